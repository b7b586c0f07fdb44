package sessions

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConnectionExists indicates a connection id collision on pool insert.
var ErrConnectionExists = errors.New("connection already in pool")

// ConnectionPool is the flat, process-wide registry of every live Connection
// across all transports. It is shared state owned by the composition root;
// the SessionManager keeps pool membership consistent with each session's
// owned set. All methods are safe for concurrent use.
type ConnectionPool struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionPool builds an empty pool.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: make(map[string]*Connection)}
}

// Add inserts a connection. A duplicate id is rejected: ids are uuids, so a
// collision means two components are fabricating the same connection.
func (p *ConnectionPool) Add(conn *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[conn.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrConnectionExists, conn.ID())
	}
	p.conns[conn.ID()] = conn
	return nil
}

// Get looks up a connection by id.
func (p *ConnectionPool) Get(connID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[connID]
	return conn, ok
}

// Remove deletes a connection by id, returning it, or nil if it was already
// gone. Absent ids are expected: concurrent cleanup races explicit removal.
func (p *ConnectionPool) Remove(connID string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[connID]
	if !ok {
		return nil
	}
	delete(p.conns, connID)
	return conn
}

// BySession returns every pooled connection owned by the given session.
func (p *ConnectionPool) BySession(sessionID string) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Connection
	for _, conn := range p.conns {
		if conn.SessionID() == sessionID {
			out = append(out, conn)
		}
	}
	return out
}

// Active returns every connection in the Connected state.
func (p *ConnectionPool) Active() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Connection
	for _, conn := range p.conns {
		if conn.IsActive() {
			out = append(out, conn)
		}
	}
	return out
}

// Count returns the number of pooled connections.
func (p *ConnectionPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// PoolStats groups pooled connection counts by state and transport.
type PoolStats struct {
	TotalConnections  int                     `json:"total_connections"`
	ActiveConnections int                     `json:"active_connections"`
	ByState           map[ConnectionState]int `json:"connections_by_state"`
	ByTransport       map[TransportType]int   `json:"connections_by_transport"`
}

// Stats returns a point-in-time snapshot of pool composition.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := PoolStats{
		TotalConnections: len(p.conns),
		ByState:          make(map[ConnectionState]int),
		ByTransport:      make(map[TransportType]int),
	}
	for _, conn := range p.conns {
		st := conn.State()
		stats.ByState[st]++
		stats.ByTransport[conn.Transport()]++
		if st == ConnectionConnected {
			stats.ActiveConnections++
		}
	}
	return stats
}
