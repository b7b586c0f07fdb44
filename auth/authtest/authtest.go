// Package authtest provides static auth fixtures for tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/searchwire/searchwire/auth"
)

// Identity is a fixed test identity.
type Identity struct {
	ID    string
	Token string
}

func (i *Identity) UserID() string        { return i.ID }
func (i *Identity) IsAuthenticated() bool { return true }
func (i *Identity) IdentityToken() string { return i.Token }

// Static is an Authenticator that accepts exactly the configured tokens.
type Static struct {
	// Tokens maps accepted bearer token -> user id.
	Tokens map[string]string
}

// NewStatic builds a Static authenticator from token -> user id pairs.
func NewStatic(tokens map[string]string) *Static {
	return &Static{Tokens: tokens}
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.Identity, error) {
	uid, ok := s.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &Identity{ID: uid, Token: tok}, nil
}

var _ auth.Authenticator = (*Static)(nil)
