package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"medchat/internal/api"
	"medchat/internal/auth"
	"medchat/internal/database"
	"medchat/internal/filestore"
	"medchat/internal/hub"
	"medchat/internal/registry"
	"medchat/internal/router"
	ws "medchat/internal/websocket"
	dbconfig "medchat/pkg/database"
	"medchat/pkg/types"
)

const frameTimeout = 2 * time.Second

// Stack is a full chat server behind an httptest listener.
type Stack struct {
	Server   *httptest.Server
	Store    *database.Manager
	Registry *registry.Registry
	Issuer   *auth.Issuer
	Files    *filestore.Store
}

var (
	Alice = types.Identity{ID: 1, Name: "Alice", Role: "patient"}
	Bob   = types.Identity{ID: 2, Name: "Dr. Bob", Role: "doctor"}
	Carol = types.Identity{ID: 3, Name: "Carol", Role: "patient"}
)

// NewStack wires every component over a temp SQLite database.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	dbc := dbconfig.DefaultConfig()
	dbc.DatabasePath = filepath.Join(dir, "integration.db")
	store, err := database.NewManager(dbc, log)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := dbconfig.NewMigrationManager(store.DB(), store.Driver()).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	files, err := filestore.New(filestore.Options{
		Dir:         filepath.Join(dir, "uploads"),
		MaxFileSize: 64 * 1024,
		URLPrefix:   "/chat/files",
	}, log)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	authOpts := auth.Options{Secret: []byte("integration-secret"), Issuer: "medchat", TTL: time.Hour}
	issuer, err := auth.NewIssuer(authOpts)
	if err != nil {
		t.Fatalf("Failed to create issuer: %v", err)
	}
	tokens, err := auth.NewResolver(authOpts, store, log)
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}
	resolver := auth.NewRecordingResolver(tokens, store, log)

	reg := registry.New()
	messageHub := hub.New(reg, log)
	if err := messageHub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	messageRouter := router.New(store, messageHub, router.DefaultConfig(), log)

	opts := ws.DefaultOptions()
	opts.WriteTimeout = time.Second
	sockets := ws.NewHandler(resolver, reg, messageRouter, opts, []string{"*"}, log)

	apiServer := api.NewServer(api.Dependencies{
		Store:     store,
		Files:     files,
		Resolver:  resolver,
		Announcer: messageRouter,
		Registry:  reg,
		Socket:    sockets,
	}, api.Options{AllowedOrigins: []string{"*"}, MaxUploadSize: 64 * 1024}, log)

	server := httptest.NewServer(apiServer)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sockets.Shutdown(ctx)
		server.Close()
		_ = messageHub.Stop()
		reg.CloseAll()
		_ = store.Close()
	})

	return &Stack{Server: server, Store: store, Registry: reg, Issuer: issuer, Files: files}
}

func (s *Stack) Token(t *testing.T, id types.Identity) string {
	t.Helper()
	token, _, err := s.Issuer.Issue(id)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// Conversation opens the pair through the REST API as the patient.
func (s *Stack) Conversation(t *testing.T, patient, doctor types.Identity) types.ConversationID {
	t.Helper()
	body := fmt.Sprintf(`{"patient_id":%d,"doctor_id":%d}`, patient.ID, doctor.ID)
	resp := s.Do(t, patient, http.MethodPost, "/chat/conversations", strings.NewReader(body), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("Create conversation returned %d", resp.StatusCode)
	}
	var out api.ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode conversation: %v", err)
	}
	return out.Conversation.ID
}

// Do sends an authenticated request; the caller closes the body.
func (s *Stack) Do(t *testing.T, as types.Identity, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.Server.URL+path, body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token(t, as))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// WaitForConnections polls until user has n registered channels.
func (s *Stack) WaitForConnections(t *testing.T, user types.UserID, n int) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if s.Registry.ConnectionCount(user) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("User %d has %d connections, want %d", user, s.Registry.ConnectionCount(user), n)
}

// TestClient is one socket connection collecting every frame it receives.
type TestClient struct {
	Identity types.Identity

	conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	readErr error
}

// Connect dials the socket and waits for the server to register it.
func (s *Stack) Connect(t *testing.T, id types.Identity) *TestClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/chat/ws?token=" + s.Token(t, id)

	before := s.Registry.ConnectionCount(id.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", id.Name, err)
	}

	c := &TestClient{
		Identity: id,
		conn:     conn,
		frames:   make(chan []byte, 100),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.Close)

	s.WaitForConnections(t, id.ID, before+1)
	return c
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.frames <- data
	}
}

func (c *TestClient) SendRaw(t *testing.T, data string) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("%s failed to send: %v", c.Identity.Name, err)
	}
}

func (c *TestClient) SendText(t *testing.T, conv types.ConversationID, content string) {
	t.Helper()
	if err := c.send(conv, content); err != nil {
		t.Fatalf("%s failed to send: %v", c.Identity.Name, err)
	}
}

func (c *TestClient) send(conv types.ConversationID, content string) error {
	frame, err := json.Marshal(map[string]any{
		"type":            types.FrameTypeNewMessage,
		"conversation_id": conv,
		"content":         content,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Next returns the next frame or fails after frameTimeout.
func (c *TestClient) Next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.frames:
		return data
	case <-c.done:
		// drain anything read before the socket closed
		select {
		case data := <-c.frames:
			return data
		default:
		}
		t.Fatalf("%s connection closed: %v", c.Identity.Name, c.err())
	case <-time.After(frameTimeout):
		t.Fatalf("%s received nothing within %v", c.Identity.Name, frameTimeout)
	}
	return nil
}

func (c *TestClient) ExpectMessage(t *testing.T) types.MessageView {
	t.Helper()
	data := c.Next(t)
	var frame types.NewMessageFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != types.FrameTypeNewMessage {
		t.Fatalf("%s expected a new_message frame, got %s", c.Identity.Name, data)
	}
	return frame.Message
}

func (c *TestClient) ExpectError(t *testing.T, code string) {
	t.Helper()
	data := c.Next(t)
	var frame types.ErrorFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != types.FrameTypeError {
		t.Fatalf("%s expected an error frame, got %s", c.Identity.Name, data)
	}
	if frame.Code != code {
		t.Fatalf("%s expected error code %q, got %q (%s)", c.Identity.Name, code, frame.Code, frame.Message)
	}
}

// ExpectNothing fails if a frame arrives within d.
func (c *TestClient) ExpectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.frames:
		t.Fatalf("%s received unexpected frame %s", c.Identity.Name, data)
	case <-time.After(d):
	}
}

// Closed reports whether the server has closed the connection.
func (c *TestClient) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *TestClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (c *TestClient) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}
