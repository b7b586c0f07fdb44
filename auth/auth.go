// Package auth defines the authenticated-identity handle consumed by the
// session layer. The handle is opaque: sessions store it and surface it but
// never parse or validate the underlying credential. Issuance (OAuth 2.1 /
// PKCE flows) happens in an external authorization server.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Identity represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type Identity interface {
	// UserID returns the unique identifier for the principal.
	UserID() string
	// IsAuthenticated reports whether the underlying credential was accepted.
	IsAuthenticated() bool
	// IdentityToken returns the raw credential the identity was minted from.
	// The session layer stores this but never interprets it.
	IdentityToken() string
}

// Authenticator validates bearer tokens and returns the associated identity.
// It must return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (Identity, error)
}

// Anonymous returns an unauthenticated identity carrying only a user id, for
// deployments that run without an authenticator.
func Anonymous(userID string) Identity {
	return anonymousIdentity(userID)
}

type anonymousIdentity string

func (a anonymousIdentity) UserID() string        { return string(a) }
func (a anonymousIdentity) IsAuthenticated() bool { return false }
func (a anonymousIdentity) IdentityToken() string { return "" }
