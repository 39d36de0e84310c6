// Package jwtverify implements auth.TokenVerifier with HS256 JWTs,
// narrowed from erauner12's ValidateToken (which also supported RS256
// against an upstream IdP's JWKS) down to the one signing method this
// module's closed deployment needs: a single shared secret, since
// credential issuance lives outside this repo's boundary.
package jwtverify

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/auth"
)

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

// New returns a Verifier for the given shared secret. secret must not
// be empty.
func New(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, apperr.Validation("jwtverify.New", errors.New("secret must not be empty"))
	}
	return &Verifier{secret: []byte(secret)}, nil
}

func (v *Verifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, apperr.Authentication("jwtverify.Verify", errors.New("token is empty"))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return auth.Identity{}, apperr.Authentication("jwtverify.Verify", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return auth.Identity{}, apperr.Authentication("jwtverify.Verify", errors.New("missing sub claim"))
	}

	return auth.Identity{UserID: sub}, nil
}

// Mint issues an HS256 token for userID, valid for ttl. This exists for
// local development and tests only: production credential issuance is
// an external concern this module does not implement.
func Mint(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

var _ auth.TokenVerifier = (*Verifier)(nil)
