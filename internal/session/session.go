// Package session runs the per-connection control loop: register the
// channel, route each inbound frame, and tear down exactly once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medchat/internal/registry"
	"medchat/internal/router"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameRouter handles one inbound frame on behalf of sender.
type FrameRouter interface {
	Route(ctx context.Context, sender types.Identity, raw []byte) (*types.Message, error)
}

// Session owns one authenticated duplex channel for its lifetime.
type Session struct {
	id       string
	identity types.Identity
	conn     interfaces.DuplexChannel
	registry *registry.Registry
	router   FrameRouter
	log      *zap.Logger

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

// New prepares a session for an identity that has already been resolved.
func New(identity types.Identity, conn interfaces.DuplexChannel, reg *registry.Registry, r FrameRouter, log *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		registry: reg,
		router:   r,
		log:      log.Named("session").With(zap.String("session_id", id), zap.Stringer("user", identity.ID)),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() types.Identity { return s.identity }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run registers the channel and processes frames until the peer goes away,
// the channel fails, a frame hits a persistence fault, or ctx is cancelled.
// Orderly endings return nil. Teardown has completed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.registry.Connect(s.identity.ID, s.conn)
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		// Close won the race; undo the registration it could not see.
		s.registry.Disconnect(s.identity.ID, s.conn)
		<-s.done
		return ErrSessionClosed
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	s.log.Info("session active")

	for {
		raw, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, interfaces.ErrChannelClosed) || s.State() >= StateClosing {
				s.log.Info("session ended")
				return nil
			}
			s.log.Warn("receive failed", zap.Error(err))
			return fmt.Errorf("receive: %w", err)
		}

		if _, err := s.router.Route(ctx, s.identity, raw); err != nil {
			var fe *router.FrameError
			if errors.As(err, &fe) {
				s.reply(fe.Frame())
			}
			if !router.IsFatal(err) {
				s.log.Debug("frame rejected", zap.String("code", fe.Code), zap.Error(err))
				continue
			}
			s.log.Error("closing session after fatal frame error", zap.Error(err))
			return err
		}
	}
}

// Close tears the session down. It is safe to call from any goroutine and
// any number of times; only the first call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.registry.Disconnect(s.identity.ID, s.conn)
		if err := s.conn.Close(); err != nil {
			s.log.Debug("channel close", zap.Error(err))
		}
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// jsonWriter is implemented by channels that encode frames themselves.
type jsonWriter interface {
	WriteJSON(v any) error
}

// reply sends a frame to this connection only.
func (s *Session) reply(frame any) {
	if w, ok := s.conn.(jsonWriter); ok {
		if err := w.WriteJSON(frame); err != nil {
			s.log.Debug("failed to send reply", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.log.Debug("failed to send reply", zap.Error(err))
	}
}
