package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"medchat/internal/registry"
	"medchat/internal/session"
	"medchat/pkg/interfaces"
)

// Handler upgrades authenticated requests and runs one session per socket.
type Handler struct {
	resolver interfaces.IdentityResolver
	registry *registry.Registry
	router   session.FrameRouter
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewHandler builds the handler. An origin list containing "*" accepts any
// origin.
func NewHandler(resolver interfaces.IdentityResolver, reg *registry.Registry, r session.FrameRouter, opts Options, allowedOrigins []string, log *zap.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		resolver: resolver,
		registry: reg,
		router:   r,
		opts:     opts,
		log:      log.Named("websocket"),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

// ServeHTTP resolves the caller before upgrading; unauthenticated requests
// get a plain 401 and never become sockets.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r)
	if err != nil {
		h.log.Debug("rejected websocket request", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessions.Done()
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connLog := h.log.With(zap.Stringer("user", identity.ID), zap.String("remote", r.RemoteAddr))
	s := session.New(identity, NewConnection(conn, h.opts, connLog), h.registry, h.router, h.log)

	go func() {
		defer h.sessions.Done()
		if err := s.Run(h.ctx); err != nil {
			connLog.Info("session closed with error", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}()
}

// Shutdown stops accepting sockets, cancels every running session and waits
// for them to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
