// Package ssetransport implements the long-lived server-push transport.
// Every open channel gets a "connected" greeting, then drains a
// per-connection outbound queue as SSE frames, with keepalives synthesized
// whenever the queue idles past the keepalive interval.
package ssetransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/searchwire/searchwire/internal/logctx"
	"github.com/searchwire/searchwire/internal/rpc"
	"github.com/searchwire/searchwire/sessions"
	"github.com/searchwire/searchwire/transport"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// Config for the SSE transport. Defaults can be loaded via envdecode.
type Config struct {
	// Host to bind. ENV: SSE_HOST
	Host string `env:"SSE_HOST,default=localhost"`
	// Port to bind. ENV: SSE_PORT
	Port int `env:"SSE_PORT,default=8081"`
	// KeepaliveInterval between synthetic frames on an idle channel.
	// ENV: SSE_KEEPALIVE_INTERVAL
	KeepaliveInterval time.Duration `env:"SSE_KEEPALIVE_INTERVAL,default=30s"`
	// ConnectionTimeout after which an idle channel is reaped. This clock is
	// the connection's own; the session sweep is independent.
	// ENV: SSE_CONNECTION_TIMEOUT
	ConnectionTimeout time.Duration `env:"SSE_CONNECTION_TIMEOUT,default=5m"`
	// MaxBodyBytes bounds inbound payload size on the send/mcp endpoints.
	// ENV: SSE_MAX_BODY_BYTES
	MaxBodyBytes int64 `env:"SSE_MAX_BODY_BYTES,default=1048576"`
	// RetryMillis is the reconnect hint advertised on the greeting frame.
	// ENV: SSE_RETRY_MILLIS
	RetryMillis int `env:"SSE_RETRY_MILLIS,default=3000"`
}

// ConfigFromEnv populates a Config using envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode sse config: %w", err)
	}
	return cfg, nil
}

// ConnectionBinder binds push channels to sessions. *sessions.Manager
// satisfies it.
type ConnectionBinder interface {
	AddConnectionToSession(ctx context.Context, sessionID string, tr sessions.TransportType, remoteAddr, userAgent string) (*sessions.Connection, error)
	RemoveConnection(ctx context.Context, connID string) (*sessions.Connection, error)
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithSessionBinding wires channels into the shared session layer. A channel
// opened with a session_id query parameter is registered as a pooled
// Connection for that session; its lifecycle events flow through handler.
func WithSessionBinding(binder ConnectionBinder, handler *sessions.ConnectionHandler) Option {
	return func(t *Transport) {
		t.binder = binder
		t.connHandler = handler
	}
}

// channel is the transport-local handle for one open push stream. It holds
// only the shared Connection id as a weak back-reference; the pool stays the
// single source of truth for connection state.
type channel struct {
	connID       string
	bound        bool
	userAgent    string
	remoteAddr   string
	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos; bumped on enqueue

	queue chan transport.Frame
	done  chan struct{}
	once  sync.Once
}

func newChannel(connID string, bound bool, remoteAddr, userAgent string) *channel {
	ch := &channel{
		connID:     connID,
		bound:      bound,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		createdAt:  time.Now().UTC(),
		queue:      make(chan transport.Frame, 32),
		done:       make(chan struct{}),
	}
	ch.lastActivity.Store(time.Now().UnixNano())
	return ch
}

// send enqueues a frame unless the channel is already torn down.
func (c *channel) send(f transport.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- f:
		c.lastActivity.Store(time.Now().UnixNano())
		return true
	case <-c.done:
		return false
	}
}

func (c *channel) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *channel) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Transport serves the server-push endpoints.
type Transport struct {
	cfg Config
	log *slog.Logger
	reg *transport.HandlerRegistry

	binder      ConnectionBinder
	connHandler *sessions.ConnectionHandler

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	loopCancel context.CancelFunc

	chanMu   sync.Mutex
	channels map[string]*channel
}

// New builds an SSE transport.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	t := &Transport{
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
		reg:      transport.NewHandlerRegistry(),
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = slog.New(logctx.Handler{Handler: t.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.HandleFunc("GET /events", t.handleEvents)
	mux.HandleFunc("POST /send", t.handleSend)
	mux.HandleFunc("POST /mcp", t.handleCall)
	mux.HandleFunc("GET /connections", t.handleListConnections)
	t.mux = mux
	return t
}

func (t *Transport) Name() string { return "sse" }

// RegisterHandler binds a method to a handler.
func (t *Transport) RegisterHandler(method string, h transport.Handler, opts ...transport.HandlerOption) error {
	return t.reg.Register(method, h, opts...)
}

// Start binds the listener, serves in the background, and starts the idle
// channel reaper.
func (t *Transport) Start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	t.listener = ln
	t.server = &http.Server{Handler: t.withRequestData(t.mux), ReadHeaderTimeout: 10 * time.Second}
	t.running.Store(true)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.loopCancel = cancel
	go t.reapLoop(loopCtx)

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("sse.serve.fail", slog.String("err", err.Error()))
		}
		t.running.Store(false)
	}()

	t.log.Info("sse.listen", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes every open channel and shuts the server down. Stopping a
// transport that is not running returns transport.ErrNotRunning.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.running.Load() {
		return transport.ErrNotRunning
	}
	t.running.Store(false)
	if t.loopCancel != nil {
		t.loopCancel()
	}

	t.chanMu.Lock()
	open := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		open = append(open, ch)
	}
	t.chanMu.Unlock()
	for _, ch := range open {
		ch.send(transport.Frame{Type: transport.FrameClose})
		ch.close()
	}

	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("sse shutdown: %w", err)
	}
	t.log.Info("sse.stop.ok")
	return nil
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

func (t *Transport) EndpointURL() string {
	return fmt.Sprintf("http://%s:%d/events", t.cfg.Host, t.cfg.Port)
}

// ConnectionCount returns the number of open channels.
func (t *Transport) ConnectionCount() int {
	t.chanMu.Lock()
	defer t.chanMu.Unlock()
	return len(t.channels)
}

func (t *Transport) Status() transport.Status {
	return transport.Status{
		Transport:         t.Name(),
		Running:           t.IsRunning(),
		Endpoint:          t.EndpointURL(),
		ActiveConnections: t.ConnectionCount(),
	}
}

// reapLoop closes channels idle past the connection timeout. It is
// cancellable and exits within one sleep interval of shutdown.
func (t *Transport) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.ConnectionTimeout)
			t.chanMu.Lock()
			var stale []*channel
			for _, ch := range t.channels {
				if ch.idleSince().Before(cutoff) {
					stale = append(stale, ch)
				}
			}
			t.chanMu.Unlock()
			for _, ch := range stale {
				t.log.Info("sse.channel.reap", slog.String("conn_id", ch.connID))
				ch.send(transport.Frame{Type: transport.FrameClose})
				ch.close()
			}
		}
	}
}

func (t *Transport) withRequestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Transport:  t.Name(),
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"transport_type":     t.Name(),
		"active_connections": t.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code rpc.Code, msg string) {
	writeJSON(w, status, rpc.NewErrorResponse("", code, msg))
}

func (t *Transport) readBody(w http.ResponseWriter, r *http.Request) []byte {
	if r.ContentLength > t.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, rpc.CodePayloadTooLarge, transport.ErrPayloadTooLarge.Error())
		return nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, rpc.CodePayloadTooLarge, transport.ErrPayloadTooLarge.Error())
			return nil
		}
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, "failed to read request body")
		return nil
	}
	return body
}
