package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"medchat/internal/registry"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// Envelope carries an encoded frame between instances sharing a relay.
type Envelope struct {
	Origin  string          `json:"origin"`
	Targets []types.UserID  `json:"targets"`
	Payload json.RawMessage `json:"payload"`
}

// Relay forwards envelopes to other instances. Subscribe returns a function
// that stops delivery to handler.
type Relay interface {
	Publish(ctx context.Context, env *Envelope) error
	Subscribe(handler func(*Envelope)) (func() error, error)
}

// Hub fans encoded frames out to every live channel of a set of users.
// Sends to distinct channels run concurrently; a failing channel is removed
// from the registry and closed without affecting the others.
type Hub struct {
	registry *registry.Registry
	relay    Relay
	origin   string
	log      *zap.Logger

	mu          sync.Mutex
	running     bool
	unsubscribe func() error
}

type Option func(*Hub)

// WithRelay enables cross-instance fan-out.
func WithRelay(relay Relay) Option {
	return func(h *Hub) { h.relay = relay }
}

// WithOrigin overrides the instance id stamped on outgoing envelopes.
func WithOrigin(origin string) Option {
	return func(h *Hub) { h.origin = origin }
}

func New(reg *registry.Registry, log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		registry: reg,
		origin:   uuid.NewString(),
		log:      log.Named("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Origin() string { return h.origin }

// Start subscribes to the relay when one is configured.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.relay != nil {
		unsubscribe, err := h.relay.Subscribe(h.handleEnvelope)
		if err != nil {
			return fmt.Errorf("failed to subscribe to relay: %w", err)
		}
		h.unsubscribe = unsubscribe
	}
	h.running = true
	h.log.Info("hub started", zap.String("origin", h.origin), zap.Bool("relay", h.relay != nil))
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	if h.unsubscribe != nil {
		if err := h.unsubscribe(); err != nil {
			h.log.Warn("relay unsubscribe failed", zap.Error(err))
		}
		h.unsubscribe = nil
	}
	h.log.Info("hub stopped")
	return nil
}

// DeliverToUsers encodes payload once and pushes it to every live channel of
// each distinct target. It returns after every send has finished. In-flight
// sends are not cancelled by ctx. The only error is an encoding failure.
func (h *Hub) DeliverToUsers(ctx context.Context, payload any, users []types.UserID) (*Report, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}
	return h.deliver(data, users), nil
}

// Publish delivers locally and, with a relay configured, forwards the frame
// to the other instances. Relay failures are logged only.
func (h *Hub) Publish(ctx context.Context, payload any, users []types.UserID) (*Report, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}
	report := h.deliver(data, users)

	if h.relay != nil {
		env := &Envelope{Origin: h.origin, Targets: lo.Uniq(users), Payload: data}
		if err := h.relay.Publish(ctx, env); err != nil {
			h.log.Warn("relay publish failed", zap.Error(err), zap.Int("targets", len(env.Targets)))
		}
	}
	return report, nil
}

func (h *Hub) handleEnvelope(env *Envelope) {
	if env == nil || env.Origin == h.origin {
		return
	}
	report := h.deliver(env.Payload, env.Targets)
	h.log.Debug("relayed frame delivered",
		zap.String("origin", env.Origin),
		zap.Int("sent", report.Sent()),
		zap.Int("failed", report.Failed()))
}

func (h *Hub) deliver(data []byte, users []types.UserID) *Report {
	targets := lo.Uniq(users)
	report := &Report{Targets: make([]TargetOutcome, len(targets))}

	var wg sync.WaitGroup
	for i, user := range targets {
		channels := h.registry.Snapshot(user)
		outcome := &report.Targets[i]
		outcome.User = user
		outcome.Channels = make([]ChannelOutcome, len(channels))

		for j, ch := range channels {
			slot := &outcome.Channels[j]
			slot.Channel = ch
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := ch.Send(data); err != nil {
					slot.Err = err
					h.drop(user, ch, err)
				}
			}()
		}
	}
	wg.Wait()

	for i := range report.Targets {
		report.Targets[i].Status = statusOf(report.Targets[i].Channels)
	}
	return report
}

// drop removes a dead channel from the registry before closing it.
func (h *Hub) drop(user types.UserID, ch interfaces.Channel, cause error) {
	h.registry.Disconnect(user, ch)
	if err := ch.Close(); err != nil {
		h.log.Warn("failed to close dead channel", zap.Stringer("user", user), zap.Error(err))
	}
	h.log.Info("dropped dead channel", zap.Stringer("user", user), zap.Error(cause))
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodePayload, err)
	}
	return data, nil
}
