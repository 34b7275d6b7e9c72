// Package relay carries hub envelopes between instances over NATS core
// subjects.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"medchat/internal/hub"
)

var ErrInvalidEnvelope = errors.New("invalid relay envelope")

type Options struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSRelay implements hub.Relay.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

var _ hub.Relay = (*NATSRelay)(nil)

// Connect dials the server. Reconnects are retried forever.
func Connect(opts Options, log *zap.Logger) (*NATSRelay, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if opts.Subject == "" {
		return nil, errors.New("nats subject missing")
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "medchat"
	}

	log = log.Named("relay")
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(opts.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSRelay{nc: nc, subject: opts.Subject, log: log}, nil
}

func (r *NATSRelay) Publish(ctx context.Context, env *hub.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(r.subject, data)
}

// Subscribe delivers every well-formed envelope on the subject to handler.
// Malformed messages are logged and dropped.
func (r *NATSRelay) Subscribe(handler func(*hub.Envelope)) (func() error, error) {
	sub, err := r.nc.Subscribe(r.subject, func(m *nats.Msg) {
		env, err := Decode(m.Data)
		if err != nil {
			r.log.Warn("dropping relay message", zap.Error(err))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (r *NATSRelay) Close() error {
	return r.nc.Drain()
}

func Encode(env *hub.Envelope) ([]byte, error) {
	if err := check(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func Decode(data []byte) (*hub.Envelope, error) {
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := check(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func check(env *hub.Envelope) error {
	switch {
	case env == nil:
		return fmt.Errorf("%w: nil", ErrInvalidEnvelope)
	case env.Origin == "":
		return fmt.Errorf("%w: missing origin", ErrInvalidEnvelope)
	case len(env.Targets) == 0:
		return fmt.Errorf("%w: no targets", ErrInvalidEnvelope)
	case len(env.Payload) == 0 || !json.Valid(env.Payload):
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEnvelope)
	}
	return nil
}
