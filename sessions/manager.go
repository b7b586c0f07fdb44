package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/searchwire/searchwire/auth"
	"github.com/searchwire/searchwire/internal/metrics"
)

// ErrTooManySessions indicates the configured session cap was hit.
var ErrTooManySessions = errors.New("session limit reached")

// Config for the SessionManager. Defaults can be loaded via envdecode.
type Config struct {
	// SessionTimeout is the idle expiry applied by the sweep.
	// ENV: SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT,default=1h"`
	// SweepInterval is the period of the background expiry sweep. Zero
	// disables the sweep. ENV: SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=10m"`
	// MaxSessions caps concurrently stored sessions. Zero means unlimited.
	// ENV: SESSION_MAX
	MaxSessions int `env:"SESSION_MAX,default=1000"`
}

// ConfigFromEnv populates a Config using envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode session config: %w", err)
	}
	return cfg, nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the slog logger used by the manager. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// Manager owns the SessionStore and keeps pool membership consistent with
// each session's owned connection set. TerminateSession is the one operation
// that must appear atomic to other callers; the manager serializes all
// session-connection consistency mutations behind a single mutex.
type Manager struct {
	cfg   Config
	store SessionStore
	pool  *ConnectionPool
	log   *slog.Logger

	// mu serializes mutations that span the store and the pool.
	mu chanLock
}

// NewManager builds a Manager over the given store and pool.
func NewManager(cfg Config, store SessionStore, pool *ConnectionPool, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:   cfg,
		store: store,
		pool:  pool,
		log:   slog.New(slog.DiscardHandler),
		mu:    make(chanLock, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// chanLock is a context-aware mutex: acquisition can be abandoned when the
// caller's context is done, so a stuck store cannot wedge every caller.
type chanLock chan struct{}

func (l chanLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() { <-l }

// Pool returns the shared connection pool.
func (m *Manager) Pool() *ConnectionPool { return m.pool }

// CreateSession allocates an id, builds an Active session bound to identity,
// and persists it.
func (m *Manager) CreateSession(ctx context.Context, identity auth.Identity, transport TransportType, clientInfo map[string]string) (*Session, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()

	if m.cfg.MaxSessions > 0 {
		existing, err := m.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if len(existing) >= m.cfg.MaxSessions {
			return nil, ErrTooManySessions
		}
	}

	sess := NewSession(uuid.NewString(), identity, transport, clientInfo)
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	metrics.SessionsActive.Inc()
	m.log.Info("session.create.ok", slog.String("session_id", sess.ID()), slog.String("user_id", sess.UserID()), slog.String("transport", string(transport)))
	return sess, nil
}

// GetSession returns the session, or ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// TouchSession bumps the session's activity clock and writes it back to the
// store, then returns the refreshed session. Stores that rehydrate (e.g.
// Redis) hand out copies, so the bump must be persisted to count against the
// idle sweep.
func (m *Manager) TouchSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// TerminateSession marks the session Terminated, releases every owned
// connection from the pool, and deletes the session from the store. Returns
// false when the session is already gone. The whole sequence is atomic with
// respect to other manager operations.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string) (bool, error) {
	if err := m.mu.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load session: %w", err)
	}

	sess.terminate()
	m.releaseConnections(sess)

	if _, err := m.store.Remove(ctx, sessionID); err != nil {
		return false, fmt.Errorf("remove session: %w", err)
	}

	metrics.SessionsActive.Dec()
	metrics.SessionsTerminated.Inc()
	metrics.ConnectionsPooled.Set(float64(m.pool.Count()))
	m.log.Info("session.terminate.ok", slog.String("session_id", sessionID))
	return true, nil
}

// AddConnectionToSession creates a connection bound to the session and
// registers it in both the session's owned set and the pool. Returns
// ErrSessionNotFound when the session is missing or terminated.
func (m *Manager) AddConnectionToSession(ctx context.Context, sessionID string, transport TransportType, remoteAddr, userAgent string) (*Connection, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State() == SessionTerminated {
		return nil, ErrSessionNotFound
	}

	conn := NewConnection(uuid.NewString(), sessionID, transport, remoteAddr, userAgent)
	if err := m.pool.Add(conn); err != nil {
		return nil, err
	}
	sess.attachConnection(conn.ID())

	if err := m.store.Put(ctx, sess); err != nil {
		// Roll back pool membership so the two registries stay consistent.
		m.pool.Remove(conn.ID())
		sess.detachConnection(conn.ID())
		return nil, fmt.Errorf("store session: %w", err)
	}

	metrics.ConnectionsPooled.Set(float64(m.pool.Count()))
	m.log.Debug("session.connection.add", slog.String("session_id", sessionID), slog.String("conn_id", conn.ID()))
	return conn, nil
}

// RemoveConnection removes the connection from the pool and, when found, from
// its owning session. Returns nil when the connection was already gone.
func (m *Manager) RemoveConnection(ctx context.Context, connID string) (*Connection, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()

	conn := m.pool.Remove(connID)
	if conn == nil {
		return nil, nil
	}

	sess, err := m.store.Get(ctx, conn.SessionID())
	if err == nil {
		if sess.detachConnection(connID) {
			if err := m.store.Put(ctx, sess); err != nil {
				m.log.Warn("session.connection.remove.store_fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
			}
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		m.log.Warn("session.load.fail", slog.String("session_id", conn.SessionID()), slog.String("err", err.Error()))
	}

	metrics.ConnectionsPooled.Set(float64(m.pool.Count()))
	m.log.Debug("session.connection.remove", slog.String("conn_id", connID))
	return conn, nil
}

// Stats summarizes the session store and connection pool.
type Stats struct {
	TotalSessions     int `json:"total_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	TotalConnections  int `json:"total_connections"`
	ActiveConnections int `json:"active_connections"`
	PoolSize          int `json:"connection_pool_size"`
}

// GetSessionStats returns aggregate session and connection counts.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list sessions: %w", err)
	}

	var stats Stats
	stats.TotalSessions = len(sessions)
	for _, sess := range sessions {
		if sess.State() == SessionActive {
			stats.ActiveSessions++
		}
		stats.TotalConnections += sess.ConnectionCount()
		for _, conn := range m.pool.BySession(sess.ID()) {
			if conn.IsActive() {
				stats.ActiveConnections++
			}
		}
	}
	stats.PoolSize = m.pool.Count()
	return stats, nil
}

// CleanupExpiredSessions removes every session idle past the configured
// timeout, releases their pooled connections, and returns the removed
// sessions marked Expired.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) ([]*Session, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()

	expired, err := m.store.CleanupExpired(ctx, m.cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("cleanup expired sessions: %w", err)
	}

	for _, sess := range expired {
		sess.markExpired()
		m.releaseConnections(sess)
		metrics.SessionsActive.Dec()
		metrics.SessionsExpired.Inc()
	}

	if len(expired) > 0 {
		metrics.ConnectionsPooled.Set(float64(m.pool.Count()))
		m.log.Info("session.sweep.ok", slog.Int("expired", len(expired)))
	}
	return expired, nil
}

// releaseConnections drops every connection the session owns from the pool
// and the session's owned set. Callers hold m.mu.
func (m *Manager) releaseConnections(sess *Session) {
	for _, connID := range sess.ConnectionIDs() {
		if conn := m.pool.Remove(connID); conn != nil {
			conn.SetDisconnected()
		}
		sess.detachConnection(connID)
	}
}

// Run drives the background expiry sweep until ctx is done. Per-iteration
// failures are logged and the loop continues; the loop exits within one
// interval of cancellation.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	m.log.Info("session.sweep.start", slog.Duration("interval", m.cfg.SweepInterval))
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("session.sweep.stop")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.CleanupExpiredSessions(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				m.log.Error("session.sweep.fail", slog.String("err", err.Error()))
			}
		}
	}
}
