// Package server exposes HTTP handlers, including the authenticated WebSocket
// upgrade, account endpoints, presence and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

const maxCredentialBody = 1 << 12

// Handlers groups the HTTP endpoints and their collaborators.
type Handlers struct {
	hub        *Hub
	gatekeeper *auth.Gatekeeper
	users      store.UserStore
	tokens     *auth.JWTManager
	hasher     *auth.PasswordHasher
	origins    *originPolicy
	upgrader   websocket.Upgrader
}

// NewHandlers wires the endpoints to the hub and the account stack.
func NewHandlers(hub *Hub, users store.UserStore, tokens *auth.JWTManager, hasher *auth.PasswordHasher) *Handlers {
	h := &Handlers{
		hub:        hub,
		gatekeeper: auth.NewGatekeeper(tokens),
		users:      users,
		tokens:     tokens,
		hasher:     hasher,
		origins:    newOriginPolicy(hub.cfg.AllowedOrigins),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

type userResponse struct {
	User store.User `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Debug("Error writing JSON response")
	}
}

// WebSocket authenticates the handshake and upgrades the connection. Requests
// with a disallowed origin or a bad credential are refused before the upgrade,
// so no room, message or presence operation is reachable without an identity.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !h.origins.check(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	identity, err := h.gatekeeper.AuthenticateRequest(r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"addr":   r.RemoteAddr,
			"reason": auth.KindOf(err),
		}).Warn("Refused WebSocket handshake")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Reason: string(auth.KindOf(err))})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("addr", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, identity, r.RemoteAddr)
	if err := h.hub.Register(client); err != nil {
		client.log.WithError(err).Info("Rejecting connection during shutdown")
		_ = conn.Close()
	}
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return credentialsRequest{}, false
	}

	var req credentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return credentialsRequest{}, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password are required"})
		return credentialsRequest{}, false
	}
	return req, true
}

// Register creates an account with a bcrypt-hashed password.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		logrus.WithError(err).Error("Failed to hash password")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "password cannot be used"})
		return
	}

	user, err := h.users.CreateUser(r.Context(), store.User{
		Username:     req.Username,
		PasswordHash: hash,
		Avatar:       strings.TrimSpace(req.Avatar),
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "username already exists"})
		return
	case err != nil:
		logrus.WithError(err).Error("Failed to create user")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server error"})
		return
	}

	logrus.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("User registered")
	writeJSON(w, http.StatusCreated, userResponse{User: user})
}

// Login checks the password and issues a bearer token for the handshake.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.users.FindUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logrus.WithError(err).Error("Failed to load user")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server error"})
		return
	}
	if err != nil || !h.hasher.Verify(req.Password, user.PasswordHash) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid username or password"})
		return
	}

	token, err := h.tokens.Issue(user.Identity())
	if err != nil {
		logrus.WithError(err).Error("Failed to issue token")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server error"})
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

type presenceStatusResponse struct {
	UserID string              `json:"userId"`
	Status chat.PresenceStatus `json:"status"`
}

// Presence lists the users that are currently online, or reports a single
// user's status when the userId query parameter is set.
func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if userID := r.URL.Query().Get("userId"); userID != "" {
		writeJSON(w, http.StatusOK, presenceStatusResponse{UserID: userID, Status: h.hub.presence.status(userID)})
		return
	}
	writeJSON(w, http.StatusOK, h.hub.Presence())
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}
