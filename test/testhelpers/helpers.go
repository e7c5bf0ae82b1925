// Package testhelpers provides common utilities and helper functions for testing the roomchat server.
//
// This package contains reusable test utilities that are shared across integration tests.
// It builds a complete in-process server, mints credentials, and speaks the JSON envelope
// protocol over real WebSocket connections.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

const (
	// TestOrigin is the origin every test stack allows.
	TestOrigin = "http://localhost:8080"
	// TestSecret signs tokens for test stacks.
	TestSecret = "integration-test-secret"
)

// Stack is a running server with its collaborators exposed for assertions.
type Stack struct {
	Config *server.Config
	Hub    *server.Hub
	Store  *store.Memory
	Tokens *auth.JWTManager
	Server *httptest.Server
}

// NewStack starts a hub and an httptest server backed by the in-memory store.
// customize may adjust the configuration before anything is built.
func NewStack(t *testing.T, customize func(cfg *server.Config)) *Stack {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.JWTSecret = TestSecret
	cfg.RateLimit.Burst = 100
	if customize != nil {
		customize(cfg)
	}

	tokens, err := auth.NewJWTManager(auth.JWTConfig{Secret: cfg.JWTSecret, TTL: cfg.JWTTTL, Issuer: cfg.JWTIssuer})
	require.NoError(t, err)

	mem := store.NewMemory()
	hub := server.NewHub(*cfg, mem)
	go hub.Run()

	handlers := server.NewHandlers(hub, mem, tokens, auth.NewPasswordHasher(4))
	ts := httptest.NewServer(server.SetupRoutes(handlers))

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})

	return &Stack{Config: cfg, Hub: hub, Store: mem, Tokens: tokens, Server: ts}
}

// WebSocketURL returns the ws:// URL of the chat endpoint.
func (s *Stack) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

// Identity returns a fresh identity for username.
func Identity(username string) chat.Identity {
	return chat.Identity{UserID: uuid.NewString(), Username: username}
}

// Token issues a valid credential for id.
func (s *Stack) Token(t *testing.T, id chat.Identity) string {
	t.Helper()
	token, err := s.Tokens.Issue(id)
	require.NoError(t, err)
	return token
}

// Connect dials the chat endpoint as id, waits until the hub has
// registered the connection, and starts reading envelopes in the background.
func (s *Stack) Connect(t *testing.T, id chat.Identity) *Peer {
	t.Helper()
	before := s.Hub.ClientCount()
	conn, resp, err := DialWebSocket(s.WebSocketURL(), s.Token(t, id), TestOrigin)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)

	p := NewPeer(conn, id)
	t.Cleanup(func() { _ = p.Close() })

	require.Eventually(t, func() bool { return s.Hub.ClientCount() > before }, 2*time.Second, 10*time.Millisecond)
	return p
}

// DialWebSocket connects with a bearer token and origin. An empty token or
// origin omits the corresponding header.
func DialWebSocket(wsURL, token, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	return dialer.Dial(wsURL, headers)
}

// DialWithQueryToken connects passing the credential as ?token=.
func DialWithQueryToken(wsURL, token, origin string) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return DialWebSocket(u.String(), "", origin)
}

// Peer is a test client connection whose inbound envelopes are pumped into
// a channel, so tests can wait for events without tearing the connection
// down on a read deadline.
type Peer struct {
	Conn     *websocket.Conn
	Identity chat.Identity

	events chan protocol.Envelope
	done   chan struct{}
	err    error
}

// NewPeer starts the background reader for conn.
func NewPeer(conn *websocket.Conn, id chat.Identity) *Peer {
	p := &Peer{
		Conn:     conn,
		Identity: id,
		events:   make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Peer) readLoop() {
	defer close(p.done)
	defer close(p.events)
	for {
		_, raw, err := p.Conn.ReadMessage()
		if err != nil {
			p.err = err
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			p.err = err
			return
		}
		p.events <- env
	}
}

// Close closes the connection.
func (p *Peer) Close() error {
	return p.Conn.Close()
}

// Closed returns a channel closed when the server ends the connection.
func (p *Peer) Closed() <-chan struct{} {
	return p.done
}

// Send writes one envelope.
func (p *Peer) Send(t *testing.T, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, p.Conn.WriteJSON(protocol.Envelope{Type: eventType, Data: raw}))
}

// SendRaw writes a raw text frame.
func (p *Peer) SendRaw(t *testing.T, frame []byte) {
	t.Helper()
	require.NoError(t, p.Conn.WriteMessage(websocket.TextMessage, frame))
}

// Join sends room:join and consumes the history that follows.
func (p *Peer) Join(t *testing.T, roomID string) protocol.RoomHistory {
	t.Helper()
	p.Send(t, protocol.TypeRoomJoin, map[string]string{"roomId": roomID})
	var history protocol.RoomHistory
	p.Expect(t, protocol.TypeRoomHistory, &history)
	return history
}

// Expect waits for an envelope of eventType, skipping other events, and
// decodes its data into out when out is non-nil.
func (p *Peer) Expect(t *testing.T, eventType string, out any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-p.events:
			if !ok {
				t.Fatalf("%s: connection closed while waiting for %s: %v", p.Identity.Username, eventType, p.err)
			}
			if env.Type != eventType {
				continue
			}
			if out != nil {
				require.NoError(t, json.Unmarshal(env.Data, out))
			}
			return
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", p.Identity.Username, eventType)
		}
	}
}

// ExpectNone fails if an envelope of eventType arrives within wait.
func (p *Peer) ExpectNone(t *testing.T, eventType string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case env, ok := <-p.events:
			if !ok {
				return
			}
			if env.Type == eventType {
				t.Fatalf("%s: unexpected %s event: %s", p.Identity.Username, eventType, string(env.Data))
			}
		case <-timeout:
			return
		}
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, target, body string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
