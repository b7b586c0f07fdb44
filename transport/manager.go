package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the slog logger used by the manager. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// Manager is the façade over the configured transports. It fans handler
// registration out to every held transport, starts and stops them
// concurrently and independently, and routes broadcast and targeted push to
// the push-capable ones.
type Manager struct {
	transports []Transport
	log        *slog.Logger

	mu sync.Mutex
}

// NewManager builds a manager over the given transports.
func NewManager(transports []Transport, opts ...ManagerOption) *Manager {
	m := &Manager{transports: transports, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler registers the method on every held transport. The first
// duplicate registration fails the whole call; registries are assembled once
// at composition time.
func (m *Manager) RegisterHandler(method string, h Handler, opts ...HandlerOption) error {
	for _, t := range m.transports {
		if err := t.RegisterHandler(method, h, opts...); err != nil {
			return err
		}
	}
	m.log.Info("handler.register", slog.String("method", method))
	return nil
}

// Start starts every transport. Failures are collected per transport, not
// fail-fast: transports that did start remain running. The aggregate error
// joins one StartError per failed transport.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		joined []error
	)
	for _, t := range m.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			m.log.Info("transport.start", slog.String("transport", t.Name()))
			if err := t.Start(ctx); err != nil {
				errMu.Lock()
				joined = append(joined, &StartError{Transport: t.Name(), Err: err})
				errMu.Unlock()
				m.log.Error("transport.start.fail", slog.String("transport", t.Name()), slog.String("err", err.Error()))
			}
		}(t)
	}
	wg.Wait()
	return errors.Join(joined...)
}

// Stop stops every running transport concurrently, aggregating failures.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		joined []error
	)
	for _, t := range m.transports {
		if !t.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			m.log.Info("transport.stop", slog.String("transport", t.Name()))
			if err := t.Stop(ctx); err != nil {
				errMu.Lock()
				joined = append(joined, err)
				errMu.Unlock()
				m.log.Error("transport.stop.fail", slog.String("transport", t.Name()), slog.String("err", err.Error()))
			}
		}(t)
	}
	wg.Wait()
	return errors.Join(joined...)
}

// IsRunning reports whether any held transport is running.
func (m *Manager) IsRunning() bool {
	for _, t := range m.transports {
		if t.IsRunning() {
			return true
		}
	}
	return false
}

// BroadcastMessage forwards the payload best-effort to every push-capable
// running transport.
func (m *Manager) BroadcastMessage(ctx context.Context, payload any) error {
	var joined []error
	for _, t := range m.transports {
		b, ok := t.(Broadcaster)
		if !ok || !t.IsRunning() {
			continue
		}
		if err := b.BroadcastMessage(ctx, payload); err != nil {
			joined = append(joined, err)
			m.log.Warn("broadcast.fail", slog.String("transport", t.Name()), slog.String("err", err.Error()))
		}
	}
	return errors.Join(joined...)
}

// SendToConnection forwards the payload to one channel on whichever transport
// owns it. Unknown ids are benign.
func (m *Manager) SendToConnection(ctx context.Context, connID string, payload any) error {
	var joined []error
	for _, t := range m.transports {
		p, ok := t.(Pusher)
		if !ok || !t.IsRunning() {
			continue
		}
		if err := p.SendToConnection(ctx, connID, payload); err != nil {
			joined = append(joined, err)
		}
	}
	return errors.Join(joined...)
}

// GetStatus returns one status snapshot per held transport.
func (m *Manager) GetStatus() []Status {
	out := make([]Status, 0, len(m.transports))
	for _, t := range m.transports {
		out = append(out, t.Status())
	}
	return out
}

// GetEndpoints maps transport name to endpoint URL.
func (m *Manager) GetEndpoints() map[string]string {
	out := make(map[string]string, len(m.transports))
	for _, t := range m.transports {
		out[t.Name()] = t.EndpointURL()
	}
	return out
}
