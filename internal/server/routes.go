// Package server wires HTTP handlers into a ServeMux for the chat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health checks, the WebSocket endpoint, accounts and presence.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("/api/users/register", h.Register)
	mux.HandleFunc("/api/users/login", h.Login)
	mux.HandleFunc("/api/presence", h.Presence)
	return mux
}
