// Package auth verifies caller credentials on the WebSocket upgrade path,
// before any upstream connection is opened. An unauthenticated caller must
// never trigger an upstream connection attempt.
package auth

import "context"

// Verifier resolves a session credential to its owner. Implementations must
// be safe for concurrent use.
type Verifier interface {
	// Verify returns the owner ID for a valid, non-expired credential, or
	// an *Error when the credential is missing, expired, or unknown.
	Verify(ctx context.Context, token string) (string, error)
}

// Error is an authentication failure. It is the only per-request error
// surfaced to the client verbatim; everything else is absorbed or
// genericized.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "auth: " + e.Reason }

// Errf builds an *Error.
func Errf(reason string) *Error { return &Error{Reason: reason} }
