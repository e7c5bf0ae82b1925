// Package auth verifies bearer credentials at connection start and issues
// them to registered users.
package auth

import (
	"errors"
	"fmt"
)

// Kind classifies why a credential was refused.
type Kind string

const (
	KindMissing Kind = "missing"
	KindInvalid Kind = "invalid"
	KindExpired Kind = "expired"
)

var (
	// ErrMissingCredential is matched by errors.Is for KindMissing errors.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is matched by errors.Is for KindInvalid errors.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential is matched by errors.Is for KindExpired errors.
	ErrExpiredCredential = errors.New("expired credential")
)

// Error is returned whenever a connection is refused for authentication reasons.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match the kind sentinels without unwrapping by hand.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMissingCredential:
		return e.Kind == KindMissing
	case ErrInvalidCredential:
		return e.Kind == KindInvalid
	case ErrExpiredCredential:
		return e.Kind == KindExpired
	}
	return false
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind of an auth error, defaulting to KindInvalid.
func KindOf(err error) Kind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInvalid
}
