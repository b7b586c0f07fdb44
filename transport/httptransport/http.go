// Package httptransport implements the HTTP transport: a plain
// request/response endpoint plus a streaming variant that acknowledges a
// submission with a stream id and delivers frames asynchronously.
package httptransport

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
	"github.com/searchwire/searchwire/transport"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config for the HTTP transport. Defaults can be loaded via envdecode.
type Config struct {
	// Host to bind. ENV: HTTP_HOST
	Host string `env:"HTTP_HOST,default=localhost"`
	// Port to bind. ENV: HTTP_PORT
	Port int `env:"HTTP_PORT,default=8080"`
	// MaxBodyBytes bounds inbound payload size; checked before parsing.
	// ENV: HTTP_MAX_BODY_BYTES
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES,default=1048576"`
	// KeepaliveInterval between synthetic frames on an idle stream.
	// ENV: HTTP_KEEPALIVE_INTERVAL
	KeepaliveInterval time.Duration `env:"HTTP_KEEPALIVE_INTERVAL,default=30s"`
	// CORSEnabled adds permissive CORS headers for browser clients.
	// ENV: HTTP_CORS_ENABLED
	CORSEnabled bool `env:"HTTP_CORS_ENABLED,default=true"`
}

// ConfigFromEnv populates a Config using envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode http config: %w", err)
	}
	return cfg, nil
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// Transport serves the request/response and streaming endpoints.
type Transport struct {
	cfg Config
	log *slog.Logger
	reg *transport.HandlerRegistry

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	// rootCtx outlives individual requests so in-flight stream handlers run
	// to completion even when the submitting request has returned.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	streamsMu sync.Mutex
	streams   map[string]*stream
}

// New builds an HTTP transport.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	t := &Transport{
		cfg:     cfg,
		log:     slog.New(slog.DiscardHandler),
		reg:     transport.NewHandlerRegistry(),
		streams: make(map[string]*stream),
	}
	t.rootCtx, t.rootCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(t)
	}
	t.log = slog.New(logctx.Handler{Handler: t.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.HandleFunc("GET /mcp/capabilities", t.handleCapabilities)
	mux.HandleFunc("POST /mcp", t.handleCall)
	mux.HandleFunc("POST /mcp/stream", t.handleStreamSubmit)
	mux.HandleFunc("GET /mcp/stream/{id}", t.handleStreamPull)
	if cfg.CORSEnabled {
		mux.HandleFunc("OPTIONS /", t.handlePreflight)
	}
	t.mux = mux
	return t
}

func (t *Transport) Name() string { return "http" }

// RegisterHandler binds a method to a handler.
func (t *Transport) RegisterHandler(method string, h transport.Handler, opts ...transport.HandlerOption) error {
	return t.reg.Register(method, h, opts...)
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously.
func (t *Transport) Start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	t.listener = ln
	t.rootCtx, t.rootCancel = context.WithCancel(context.WithoutCancel(ctx))
	t.server = &http.Server{Handler: t.withRequestData(t.mux), ReadHeaderTimeout: 10 * time.Second}
	t.running.Store(true)

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("http.serve.fail", slog.String("err", err.Error()))
		}
		t.running.Store(false)
	}()

	t.log.Info("http.listen", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server and discards open streams. Stopping
// a transport that is not running returns transport.ErrNotRunning.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.running.Load() {
		return transport.ErrNotRunning
	}
	t.running.Store(false)
	if t.rootCancel != nil {
		t.rootCancel()
	}

	t.streamsMu.Lock()
	for id, st := range t.streams {
		st.close()
		delete(t.streams, id)
	}
	t.streamsMu.Unlock()

	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	t.log.Info("http.stop.ok")
	return nil
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

func (t *Transport) EndpointURL() string {
	return fmt.Sprintf("http://%s:%d/mcp", t.cfg.Host, t.cfg.Port)
}

// ActiveStreamCount returns the number of open streams.
func (t *Transport) ActiveStreamCount() int {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	return len(t.streams)
}

func (t *Transport) Status() transport.Status {
	return transport.Status{
		Transport:     t.Name(),
		Running:       t.IsRunning(),
		Endpoint:      t.EndpointURL(),
		ActiveStreams: t.ActiveStreamCount(),
	}
}

func (t *Transport) withRequestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.CORSEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Transport:  t.Name(),
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func (t *Transport) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"transport_type": t.Name(),
		"active_streams": t.ActiveStreamCount(),
	})
}

func (t *Transport) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]string{"name": "searchwire", "version": "1.0.0"},
		"capabilities":    map[string]any{"tools": map[string]any{}, "logging": map[string]any{}},
		"methods":         t.reg.Methods(),
	})
}

// readCall enforces the payload limit before parsing, then decodes the call
// envelope. It writes the rejection itself and returns nil on failure.
func (t *Transport) readCall(w http.ResponseWriter, r *http.Request) *rpc.Call {
	ctx := r.Context()

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		t.log.WarnContext(ctx, "http.content_type.unsupported")
		writeError(w, http.StatusUnsupportedMediaType, rpc.CodeMalformedRequest, "content-type must be application/json")
		return nil
	}

	if r.ContentLength > t.cfg.MaxBodyBytes {
		t.log.WarnContext(ctx, "http.payload.too_large", slog.Int64("len", r.ContentLength))
		writeError(w, http.StatusRequestEntityTooLarge, rpc.CodePayloadTooLarge, transport.ErrPayloadTooLarge.Error())
		return nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.log.WarnContext(ctx, "http.payload.too_large")
			writeError(w, http.StatusRequestEntityTooLarge, rpc.CodePayloadTooLarge, transport.ErrPayloadTooLarge.Error())
			return nil
		}
		t.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, "failed to read request body")
		return nil
	}

	call, err := rpc.ParseCall(body)
	if err != nil {
		t.log.WarnContext(ctx, "http.call.malformed", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, fmt.Errorf("%w: %v", transport.ErrMalformedRequest, err).Error())
		return nil
	}
	return call
}

// handleCall serves the plain request/response shape: parse, dispatch
// synchronously, answer with the handler's result.
func (t *Transport) handleCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	call := t.readCall(w, r)
	if call == nil {
		return
	}

	res := transport.Dispatch(ctx, t.reg, t.log, t.Name(), call)
	status := http.StatusOK
	if res.Error != nil {
		status = statusForCode(res.Error.Code)
	}
	writeJSON(w, status, res)
	t.log.InfoContext(ctx, "http.call.done", slog.Duration("dur", time.Since(start)))
}

func statusForCode(code rpc.Code) int {
	switch code {
	case rpc.CodeNotFound:
		return http.StatusNotFound
	case rpc.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case rpc.CodeMalformedRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code rpc.Code, msg string) {
	writeJSON(w, status, rpc.NewErrorResponse("", code, msg))
}
