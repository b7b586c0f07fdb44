package sessions

import (
	"sync"
	"time"

	"github.com/searchwire/searchwire/auth"
)

// TransportType identifies the transport a session or connection was created
// under. Session affinity is informational: later connections may arrive on a
// different transport.
type TransportType string

const (
	TransportHTTP TransportType = "http"
	TransportSSE  TransportType = "sse"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive SessionState = "active"
	// SessionExpired marks a session the sweep found idle past its timeout.
	// It is a pre-removal state: expired sessions are deleted from the store
	// in the same pass and never resurrected.
	SessionExpired    SessionState = "expired"
	SessionTerminated SessionState = "terminated"
)

// Session is a stateful binding between an authenticated identity and the set
// of live connections it owns. All methods are safe for concurrent use.
type Session struct {
	mu           sync.RWMutex
	id           string
	identity     auth.Identity
	transport    TransportType
	clientInfo   map[string]string
	state        SessionState
	connections  map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
}

// NewSession builds an Active session owned by identity.
func NewSession(id string, identity auth.Identity, transport TransportType, clientInfo map[string]string) *Session {
	now := time.Now().UTC()
	info := make(map[string]string, len(clientInfo))
	for k, v := range clientInfo {
		info[k] = v
	}
	return &Session{
		id:           id,
		identity:     identity,
		transport:    transport,
		clientInfo:   info,
		state:        SessionActive,
		connections:  make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *Session) ID() string { return s.id }

// Identity returns the opaque authenticated-identity handle the session was
// created with. It is stored, never interpreted.
func (s *Session) Identity() auth.Identity { return s.identity }

func (s *Session) UserID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID()
}

func (s *Session) Transport() TransportType { return s.transport }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// ClientInfo returns a copy of the client metadata.
func (s *Session) ClientInfo() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.clientInfo))
	for k, v := range s.clientInfo {
		out[k] = v
	}
	return out
}

// Touch bumps the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// IsExpired reports whether the session idled past timeout. Terminated
// sessions are always expired.
func (s *Session) IsExpired(timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == SessionTerminated {
		return true
	}
	return time.Now().UTC().Sub(s.lastActivity) > timeout
}

// ConnectionIDs returns the ids of the connections the session owns.
func (s *Session) ConnectionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.connections))
	for id := range s.connections {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns the number of connections the session owns.
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Session) attachConnection(connID string) {
	s.mu.Lock()
	s.connections[connID] = struct{}{}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) detachConnection(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[connID]; !ok {
		return false
	}
	delete(s.connections, connID)
	s.lastActivity = time.Now().UTC()
	return true
}

// markExpired moves the session to Expired. Only the expiry sweep calls this;
// a Terminated session stays Terminated.
func (s *Session) markExpired() {
	s.mu.Lock()
	if s.state != SessionTerminated {
		s.state = SessionExpired
	}
	s.mu.Unlock()
}

// terminate moves the session to Terminated. There is no transition out.
func (s *Session) terminate() {
	s.mu.Lock()
	s.state = SessionTerminated
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// Info returns a point-in-time snapshot for listings and stats.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		SessionID:       s.id,
		UserID:          s.UserID(),
		Transport:       s.transport,
		State:           s.state,
		ClientInfo:      s.clientInfo,
		ConnectionCount: len(s.connections),
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
	}
}

// SessionInfo is an immutable snapshot of a Session.
type SessionInfo struct {
	SessionID       string            `json:"session_id"`
	UserID          string            `json:"user_id"`
	Transport       TransportType     `json:"transport_type"`
	State           SessionState      `json:"state"`
	ClientInfo      map[string]string `json:"client_info,omitempty"`
	ConnectionCount int               `json:"connection_count"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
}

// Record is the persistence form of a Session. Stores that serialize (e.g.
// Redis) round-trip sessions through it.
type Record struct {
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	IdentityToken string            `json:"identity_token"`
	Transport     TransportType     `json:"transport_type"`
	State         SessionState      `json:"state"`
	ClientInfo    map[string]string `json:"client_info,omitempty"`
	ConnectionIDs []string          `json:"connection_ids,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}

// Record captures the session for persistence.
func (s *Session) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connIDs := make([]string, 0, len(s.connections))
	for id := range s.connections {
		connIDs = append(connIDs, id)
	}
	token := ""
	if s.identity != nil {
		token = s.identity.IdentityToken()
	}
	return Record{
		SessionID:     s.id,
		UserID:        s.UserID(),
		IdentityToken: token,
		Transport:     s.transport,
		State:         s.state,
		ClientInfo:    s.clientInfo,
		ConnectionIDs: connIDs,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}

// FromRecord rehydrates a Session from its persistence form. The identity
// handle is reconstructed as an opaque stored identity.
func FromRecord(r Record) *Session {
	conns := make(map[string]struct{}, len(r.ConnectionIDs))
	for _, id := range r.ConnectionIDs {
		conns[id] = struct{}{}
	}
	info := make(map[string]string, len(r.ClientInfo))
	for k, v := range r.ClientInfo {
		info[k] = v
	}
	return &Session{
		id:           r.SessionID,
		identity:     &storedIdentity{userID: r.UserID, token: r.IdentityToken},
		transport:    r.Transport,
		clientInfo:   info,
		state:        r.State,
		connections:  conns,
		createdAt:    r.CreatedAt,
		lastActivity: r.LastActivity,
	}
}

// storedIdentity is the rehydrated form of a persisted identity handle.
type storedIdentity struct {
	userID string
	token  string
}

func (i *storedIdentity) UserID() string        { return i.userID }
func (i *storedIdentity) IsAuthenticated() bool { return i.token != "" }
func (i *storedIdentity) IdentityToken() string { return i.token }
