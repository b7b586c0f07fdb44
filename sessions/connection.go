package sessions

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
//
// Valid transitions: Connecting -> Connected -> {Disconnected, Error};
// Connecting may also move straight to Disconnected or Error. Disconnected and
// Error are terminal until the connection is removed.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionError        ConnectionState = "error"
)

// Connection is a single client channel bound to a session. Its idle clock is
// independent of the owning session's.
type Connection struct {
	mu           sync.RWMutex
	id           string
	sessionID    string
	transport    TransportType
	remoteAddr   string
	userAgent    string
	state        ConnectionState
	errMessage   string
	createdAt    time.Time
	lastActivity time.Time
}

// NewConnection builds a Connection in the Connecting state.
func NewConnection(id, sessionID string, transport TransportType, remoteAddr, userAgent string) *Connection {
	now := time.Now().UTC()
	return &Connection{
		id:           id,
		sessionID:    sessionID,
		transport:    transport,
		remoteAddr:   remoteAddr,
		userAgent:    userAgent,
		state:        ConnectionConnecting,
		createdAt:    now,
		lastActivity: now,
	}
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) SessionID() string        { return c.sessionID }
func (c *Connection) Transport() TransportType { return c.transport }
func (c *Connection) RemoteAddr() string       { return c.remoteAddr }
func (c *Connection) UserAgent() string        { return c.userAgent }
func (c *Connection) CreatedAt() time.Time     { return c.createdAt }

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrMessage returns the error message, if the connection is in the Error state.
func (c *Connection) ErrMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMessage
}

func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch bumps the last-activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// IsActive reports whether the connection is in the Connected state.
func (c *Connection) IsActive() bool {
	return c.State() == ConnectionConnected
}

// SetConnected moves Connecting -> Connected. The transition is refused from
// the terminal Disconnected and Error states.
func (c *Connection) SetConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionDisconnected || c.state == ConnectionError {
		return false
	}
	c.state = ConnectionConnected
	c.errMessage = ""
	c.lastActivity = time.Now().UTC()
	return true
}

// SetDisconnected marks a graceful close. The transition is refused once the
// connection reached a terminal state: a failed channel stays in Error even
// when the transport later observes the close.
func (c *Connection) SetDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionDisconnected || c.state == ConnectionError {
		return false
	}
	c.state = ConnectionDisconnected
	c.lastActivity = time.Now().UTC()
	return true
}

// SetError marks a failed channel with its cause. The transition is refused
// once the connection reached a terminal state.
func (c *Connection) SetError(message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionDisconnected || c.state == ConnectionError {
		return false
	}
	c.state = ConnectionError
	c.errMessage = message
	c.lastActivity = time.Now().UTC()
	return true
}

// Info returns a point-in-time snapshot for listings and stats.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ConnectionID: c.id,
		SessionID:    c.sessionID,
		Transport:    c.transport,
		RemoteAddr:   c.remoteAddr,
		UserAgent:    c.userAgent,
		State:        c.state,
		ErrMessage:   c.errMessage,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
	}
}

// ConnectionInfo is an immutable snapshot of a Connection.
type ConnectionInfo struct {
	ConnectionID string          `json:"connection_id"`
	SessionID    string          `json:"session_id"`
	Transport    TransportType   `json:"transport_type"`
	RemoteAddr   string          `json:"remote_addr,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	State        ConnectionState `json:"state"`
	ErrMessage   string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
}
