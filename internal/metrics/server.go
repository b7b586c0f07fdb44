package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the dedicated metrics listener. Keeping metrics on
// their own port isolates operational data from client traffic.
type ServerConfig struct {
	// Addr to bind, like ":9090". ENV: METRICS_ADDR
	Addr string `env:"METRICS_ADDR,default=:9090"`
	// Enabled starts the listener when true. ENV: METRICS_ENABLED
	Enabled bool `env:"METRICS_ENABLED,default=false"`
}

// Server serves /metrics and a trivial /healthz on a dedicated port.
type Server struct {
	httpServer *http.Server
	addr       string
	log        *slog.Logger
}

// NewServer builds a metrics server. A nil logger discards logs.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{addr: cfg.Addr, log: log}
}

// Start blocks serving metrics until Shutdown or a listener error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("metrics.listen", slog.String("addr", s.addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
