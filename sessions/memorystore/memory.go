// Package memorystore is the in-memory sessions.SessionStore.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/searchwire/searchwire/sessions"
)

// Store holds sessions in a mutex-protected map. It is the default store for
// single-process deployments.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.Session
}

// New builds an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*sessions.Session)}
}

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) Remove(ctx context.Context, sessionID string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	delete(s.sessions, sessionID)
	return sess, nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessions.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) CleanupExpired(ctx context.Context, timeout time.Duration) ([]*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*sessions.Session
	for id, sess := range s.sessions {
		if sess.State() == sessions.SessionTerminated {
			continue
		}
		if time.Now().UTC().Sub(sess.LastActivity()) > timeout {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	return expired, nil
}

var _ sessions.SessionStore = (*Store)(nil)
