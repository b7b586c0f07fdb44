package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Handler processes one inbound call. Params is the raw JSON payload of the
// call; the returned value is serialized as the result. A returned error is
// converted to a structured error response at the transport boundary and
// never crashes the accept loop.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Transport is one client-facing channel shape. Start binds the listener and
// returns; serving continues in the background until Stop.
type Transport interface {
	// Name identifies the transport in logs, status, and metrics.
	Name() string

	// RegisterHandler binds a method name to a handler. Registering a method
	// twice is an error.
	RegisterHandler(method string, h Handler, opts ...HandlerOption) error

	// Start binds the listener and begins serving in the background. A bind
	// failure is returned synchronously.
	Start(ctx context.Context) error

	// Stop gracefully shuts the transport down, closing open channels.
	Stop(ctx context.Context) error

	// IsRunning reports whether the transport is serving.
	IsRunning() bool

	// EndpointURL returns the externally reachable endpoint.
	EndpointURL() string

	// Status returns a point-in-time snapshot for health and introspection.
	Status() Status
}

// Broadcaster is implemented by push-capable transports.
type Broadcaster interface {
	// BroadcastMessage delivers the payload to every open channel, best effort.
	BroadcastMessage(ctx context.Context, payload any) error
}

// Pusher is implemented by transports that can target one channel.
type Pusher interface {
	// SendToConnection delivers the payload to one channel by id. An unknown
	// id is benign: the channel may have just closed.
	SendToConnection(ctx context.Context, connID string, payload any) error
}

// Status is a transport introspection snapshot.
type Status struct {
	Transport         string `json:"transport"`
	Running           bool   `json:"running"`
	Endpoint          string `json:"endpoint"`
	ActiveStreams     int    `json:"active_streams,omitempty"`
	ActiveConnections int    `json:"active_connections,omitempty"`
}

// HandlerOption annotates a method registration.
type HandlerOption func(*registration)

// WithInputType attaches a reflected JSON schema describing the method's
// params, surfaced by the capabilities endpoint. Pass a zero value of the
// params struct.
func WithInputType(v any) HandlerOption {
	return func(r *registration) {
		reflector := &jsonschema.Reflector{DoNotReference: true}
		r.schema = reflector.Reflect(v)
	}
}

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// MethodInfo describes one registered method.
type MethodInfo struct {
	Name   string             `json:"name"`
	Schema *jsonschema.Schema `json:"input_schema,omitempty"`
}

// HandlerRegistry maps method names to handlers. Transports embed one; the
// TransportManager fans registrations out to every held transport.
type HandlerRegistry struct {
	mu      sync.RWMutex
	methods map[string]registration
}

// NewHandlerRegistry builds an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{methods: make(map[string]registration)}
}

// Register binds method to h. A duplicate method name is rejected: the
// registry is assembled once at composition time and a silent overwrite
// hides misconfiguration.
func (r *HandlerRegistry) Register(method string, h Handler, opts ...HandlerOption) error {
	if method == "" {
		return fmt.Errorf("method name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is required", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[method]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	reg := registration{handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	r.methods[method] = reg
	return nil
}

// Lookup returns the handler for method.
func (r *HandlerRegistry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.methods[method]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Methods lists registered methods in name order.
func (r *HandlerRegistry) Methods() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MethodInfo, 0, len(r.methods))
	for name, reg := range r.methods {
		out = append(out, MethodInfo{Name: name, Schema: reg.schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
