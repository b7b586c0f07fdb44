package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound indicates the requested session does not exist, or has
// already been terminated.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists sessions and is the single source of truth for
// session existence. Implementations must serialize mutations; read-only
// queries may return eventually-consistent snapshots.
type SessionStore interface {
	// Put inserts or replaces a session.
	Put(ctx context.Context, sess *Session) error

	// Get returns the session, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Remove deletes the session and returns it. An absent id is benign and
	// returns (nil, nil): concurrent cleanup races explicit removal.
	Remove(ctx context.Context, sessionID string) (*Session, error)

	// List returns a snapshot of every stored session.
	List(ctx context.Context) ([]*Session, error)

	// CleanupExpired removes every non-Terminated session whose last activity
	// is older than timeout and returns the removed set.
	CleanupExpired(ctx context.Context, timeout time.Duration) ([]*Session, error)
}
