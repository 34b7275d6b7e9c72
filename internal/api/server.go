package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"medchat/internal/hub"
	"medchat/internal/registry"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// Announcer pushes a message created outside the socket to its participants.
type Announcer interface {
	Announce(ctx context.Context, msg *types.Message, senderName string, counterpart types.UserID) *hub.Report
}

// Dependencies are the collaborators the REST layer calls into. Socket may be
// nil when the websocket endpoint is served elsewhere.
type Dependencies struct {
	Store     interfaces.MessageStore
	Files     interfaces.FileStore
	Resolver  interfaces.IdentityResolver
	Announcer Announcer
	Registry  *registry.Registry
	Socket    http.Handler
}

type Options struct {
	AllowedOrigins []string
	MaxUploadSize  int64
}

// Server is the HTTP surface: the chat REST routes, file downloads, health
// and the websocket endpoint. It holds no chat state of its own.
type Server struct {
	deps     Dependencies
	opts     Options
	log      *zap.Logger
	validate *validator.Validate
	started  time.Time
	router   *http.ServeMux
}

func NewServer(deps Dependencies, opts Options, log *zap.Logger) *Server {
	s := &Server{
		deps:     deps,
		opts:     opts,
		log:      log.Named("api"),
		validate: validator.New(),
		started:  time.Now(),
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /chat/conversations", s.authenticated(s.listConversations))
	s.router.Handle("POST /chat/conversations", s.authenticated(s.createConversation))
	s.router.Handle("GET /chat/conversations/{id}/messages", s.authenticated(s.getMessages))
	s.router.Handle("POST /chat/conversations/{id}/read", s.authenticated(s.markRead))
	s.router.Handle("POST /chat/upload", s.authenticated(s.uploadFile))
	s.router.Handle("GET /chat/files/{name}", s.authenticated(s.downloadFile))
	s.router.Handle("DELETE /chat/messages/{id}", s.authenticated(s.deleteMessage))
	s.router.HandleFunc("GET /health", s.healthCheck)

	if s.deps.Socket != nil {
		s.router.Handle("GET /chat/ws", s.deps.Socket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.router).ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections registry.Stats `json:"connections"`
	System      map[string]any `json:"system"`
}

// GET /health reports database reachability and live connection counts.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.deps.Registry.Stats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// authenticated resolves the caller before running next; failures get 401.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, types.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Resolver.Resolve(r)
		if err != nil {
			s.sendError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := len(s.opts.AllowedOrigins) == 0 || lo.Contains(s.opts.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && lo.Contains(s.opts.AllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
