// Package auth provides the abstract TokenVerifier collaborator and a
// JWT-backed default implementation.
package auth

import "context"

// Identity is what a successful token verification yields.
type Identity struct {
	UserID string
	Email  string
}

// TokenVerifier turns an opaque bearer token into a stable user id.
// Implementations MUST be idempotent and side-effect free.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
