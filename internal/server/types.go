// Package server defines shared utility helpers that are reused across client
// and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrHubClosed is returned when a client is registered after shutdown began.
	ErrHubClosed = errors.New("hub is shut down")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
