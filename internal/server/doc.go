// Package server implements the real-time side of roomchat: the WebSocket
// gatekeeper, the Hub that owns connections, rooms, presence and typing
// state, the per-room command handlers, and the HTTP surface around them.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, registries, routing, and HTTP handlers.
package server
