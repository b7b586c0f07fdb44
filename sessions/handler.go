package sessions

import (
	"log/slog"

	"github.com/google/uuid"
)

// ConnectionHandler runs connection lifecycle events against the shared pool.
// Transports report channel opens, handshakes, closes, and failures through
// it; it never touches session membership, which belongs to the SessionManager.
type ConnectionHandler struct {
	pool *ConnectionPool
	log  *slog.Logger
}

// NewConnectionHandler builds a handler over the given pool. A nil logger
// discards logs.
func NewConnectionHandler(pool *ConnectionPool, log *slog.Logger) *ConnectionHandler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ConnectionHandler{pool: pool, log: log}
}

// Pool returns the pool this handler operates on.
func (h *ConnectionHandler) Pool() *ConnectionPool { return h.pool }

// HandleNewConnection creates a Connecting-state connection and registers it
// in the pool.
func (h *ConnectionHandler) HandleNewConnection(transport TransportType, sessionID, remoteAddr, userAgent string) (*Connection, error) {
	conn := NewConnection(uuid.NewString(), sessionID, transport, remoteAddr, userAgent)
	if err := h.pool.Add(conn); err != nil {
		return nil, err
	}
	h.log.Debug("connection.new", slog.String("conn_id", conn.ID()), slog.String("session_id", sessionID), slog.String("transport", string(transport)))
	return conn, nil
}

// HandleConnectionEstablished marks a connection Connected. Returns false if
// the connection is unknown; concurrent cleanup may already have removed it.
func (h *ConnectionHandler) HandleConnectionEstablished(connID string) bool {
	conn, ok := h.pool.Get(connID)
	if !ok {
		return false
	}
	if !conn.SetConnected() {
		h.log.Debug("connection.establish.refused", slog.String("conn_id", connID), slog.String("state", string(conn.State())))
		return false
	}
	h.log.Debug("connection.established", slog.String("conn_id", connID))
	return true
}

// HandleConnectionClosed marks a connection Disconnected. Returns false if
// the connection is unknown or already in a terminal state.
func (h *ConnectionHandler) HandleConnectionClosed(connID string) bool {
	conn, ok := h.pool.Get(connID)
	if !ok {
		return false
	}
	if !conn.SetDisconnected() {
		h.log.Debug("connection.close.refused", slog.String("conn_id", connID), slog.String("state", string(conn.State())))
		return false
	}
	h.log.Debug("connection.closed", slog.String("conn_id", connID))
	return true
}

// HandleConnectionError marks a connection failed with its cause. Returns
// false if the connection is unknown or already in a terminal state.
func (h *ConnectionHandler) HandleConnectionError(connID, message string) bool {
	conn, ok := h.pool.Get(connID)
	if !ok {
		return false
	}
	if !conn.SetError(message) {
		h.log.Debug("connection.error.refused", slog.String("conn_id", connID), slog.String("state", string(conn.State())))
		return false
	}
	h.log.Warn("connection.error", slog.String("conn_id", connID), slog.String("err", message))
	return true
}

// CleanupDisconnected removes every Disconnected or Error connection from the
// pool and returns the removed set.
func (h *ConnectionHandler) CleanupDisconnected() []*Connection {
	var removed []*Connection
	for _, conn := range h.pool.snapshot() {
		switch conn.State() {
		case ConnectionDisconnected, ConnectionError:
			if got := h.pool.Remove(conn.ID()); got != nil {
				removed = append(removed, got)
			}
		}
	}
	if len(removed) > 0 {
		h.log.Info("connection.cleanup", slog.Int("removed", len(removed)))
	}
	return removed
}

// ConnectionInfo returns a snapshot of the connection, if known.
func (h *ConnectionHandler) ConnectionInfo(connID string) (ConnectionInfo, bool) {
	conn, ok := h.pool.Get(connID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.Info(), true
}

// snapshot copies the current connection set so callers can iterate without
// holding the pool lock.
func (p *ConnectionPool) snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, conn)
	}
	return out
}
