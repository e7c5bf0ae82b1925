package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Gatekeeper authenticates a connection once, before any chat handler runs.
type Gatekeeper struct {
	verifier Verifier
}

// NewGatekeeper creates a Gatekeeper backed by the given verifier.
func NewGatekeeper(verifier Verifier) *Gatekeeper {
	if verifier == nil {
		panic("verifier cannot be nil for Gatekeeper")
	}
	return &Gatekeeper{verifier: verifier}
}

// Authenticate validates a credential and returns the identity to bind to
// the connection. Every failure is an *Error.
func (g *Gatekeeper) Authenticate(ctx context.Context, credential string) (chat.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return chat.Identity{}, newError(KindMissing, nil)
	}

	id, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return chat.Identity{}, authErr
		}
		return chat.Identity{}, newError(KindInvalid, err)
	}
	if !id.Valid() {
		return chat.Identity{}, newError(KindInvalid, errors.New("verifier returned an incomplete identity"))
	}
	return id, nil
}

// AuthenticateRequest extracts the credential from an upgrade request and
// authenticates it.
func (g *Gatekeeper) AuthenticateRequest(r *http.Request) (chat.Identity, error) {
	return g.Authenticate(r.Context(), CredentialFromRequest(r))
}

// CredentialFromRequest reads a bearer credential from the Authorization
// header, falling back to the "token" query parameter for browser clients
// that cannot set headers on a WebSocket handshake.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
