// Package auth defines the narrow token-verification seam this module
// depends on for every authenticated request, both HTTP and WebSocket.
// It generalizes erauner12's auth.JWTCfg/ValidateToken pair into an
// interface so the gateway and the HTTP surface share one
// authentication path without depending on a concrete token format.
//
// Credential issuance (register/login) is explicitly out of scope here;
// this package only verifies tokens minted elsewhere. See
// internal/auth/jwtverify for the bundled dev/test token minter.
package auth

import "context"

// Identity is what a verified token resolves to.
type Identity struct {
	UserID string
}

// TokenVerifier validates a bearer token and extracts the caller's
// identity. Implementations return an *apperr.Error with
// apperr.KindAuthentication on any failure (expired, malformed, bad
// signature, missing subject).
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type ctxKey struct{}

// WithIdentity returns a context carrying id, for handlers downstream
// of a TokenVerifier check to read back via IdentityFromContext.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the Identity stashed by WithIdentity, if
// any, plus whether it was present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
