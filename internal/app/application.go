package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"medchat/internal/api"
	"medchat/internal/auth"
	"medchat/internal/config"
	"medchat/internal/database"
	"medchat/internal/filestore"
	"medchat/internal/hub"
	"medchat/internal/registry"
	"medchat/internal/relay"
	"medchat/internal/router"
	"medchat/internal/websocket"
	dbconfig "medchat/pkg/database"
)

// Application owns every component of one chat server process.
type Application struct {
	config    *config.Config
	log       *zap.Logger
	store     *database.Manager
	registry  *registry.Registry
	relay     *relay.NATSRelay
	hub       *hub.Hub
	router    *router.Router
	sockets   *websocket.Handler
	apiServer *api.Server

	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewApplication builds the components in dependency order:
// store, registry, relay, hub, router, files, auth, sockets, API.
// Nothing listens until Start.
func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Database.Driver == dbconfig.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := database.NewManager(cfg.DatabaseConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(store.DB(), store.Driver())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info("database migrations applied", zap.String("driver", store.Driver()))

	reg := registry.New()

	var hubOpts []hub.Option
	var nats *relay.NATSRelay
	if cfg.Relay.Enabled() {
		nats, err = relay.Connect(relay.Options{URL: cfg.Relay.URL, Subject: cfg.Relay.Subject}, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		hubOpts = append(hubOpts, hub.WithRelay(nats))
	}
	messageHub := hub.New(reg, log, hubOpts...)

	messageRouter := router.New(store, messageHub, router.Config{
		MaxContentLength: cfg.Chat.MaxContentLength,
		RateLimit:        cfg.Chat.RateLimit,
		RateWindow:       cfg.Chat.RateWindow,
	}, log)

	cleanup := func() {
		if nats != nil {
			_ = nats.Close()
		}
		_ = store.Close()
	}

	files, err := filestore.New(filestore.Options{
		Dir:         cfg.Uploads.Dir,
		MaxFileSize: cfg.Uploads.MaxFileSize,
		URLPrefix:   cfg.Uploads.URLPrefix,
	}, log)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	tokens, err := auth.NewResolver(auth.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, store, log)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	resolver := auth.NewRecordingResolver(tokens, store, log)
	if cfg.Auth.JWTSecret == config.DevelopmentSecret {
		log.Warn("using the development JWT secret; set MEDCHAT_AUTH_JWT_SECRET")
	}

	sockets := websocket.NewHandler(resolver, reg, messageRouter, websocket.Options{
		BufferSize:     cfg.WebSocket.BufferSize,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, cfg.HTTP.AllowedOrigins, log)

	apiServer := api.NewServer(api.Dependencies{
		Store:     store,
		Files:     files,
		Resolver:  resolver,
		Announcer: messageRouter,
		Registry:  reg,
		Socket:    sockets,
	}, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxUploadSize:  cfg.Uploads.MaxFileSize,
	}, log)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log,
		store:      store,
		registry:   reg,
		relay:      nats,
		hub:        messageHub,
		router:     messageRouter,
		sockets:    sockets,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start brings up the hub and the router housekeeping, then begins serving.
// It returns once the listener is bound.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info("starting medchat", zap.String("addr", a.httpServer.Addr))

	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.router.Run(runCtx)
	}()

	a.mu.Lock()
	a.listener = ln
	a.cancelRun = cancel
	a.runDone = done
	a.mu.Unlock()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		a.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		a.log.Info("medchat started", zap.String("addr", ln.Addr().String()))
		return nil
	case <-ctx.Done():
		_ = a.httpServer.Close()
		a.stopBackground()
		return ctx.Err()
	}
}

func (a *Application) stopBackground() {
	a.mu.Lock()
	cancel, done := a.cancelRun, a.runDone
	a.cancelRun = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := a.hub.Stop(); err != nil {
		a.log.Error("message hub shutdown error", zap.Error(err))
	}
}

// Stop tears down in reverse order: HTTP, live sockets, background work,
// relay, remaining channels, then the store. Errors are logged and the
// first one is returned.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("shutting down medchat")
	var first error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		a.log.Error(what+" shutdown error", zap.Error(err))
		if first == nil {
			first = err
		}
	}

	record("HTTP server", a.httpServer.Shutdown(ctx))
	record("websocket", a.sockets.Shutdown(ctx))
	a.stopBackground()
	if a.relay != nil {
		record("relay", a.relay.Close())
	}
	if n := a.registry.CloseAll(); n > 0 {
		a.log.Info("closed remaining channels", zap.Int("count", n))
	}
	record("database", a.store.Close())

	a.log.Info("medchat shutdown complete")
	return first
}

// Addr is the bound listen address once started, otherwise the configured one.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}
