package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/searchwire/searchwire/auth"
	"github.com/searchwire/searchwire/internal/metrics"
	"github.com/searchwire/searchwire/search"
	"github.com/searchwire/searchwire/sessions"
	"github.com/searchwire/searchwire/sessions/memorystore"
	"github.com/searchwire/searchwire/sessions/redisstore"
	"github.com/searchwire/searchwire/transport"
	"github.com/searchwire/searchwire/transport/httptransport"
	"github.com/searchwire/searchwire/transport/ssetransport"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		debugMode bool
		storeType string
		httpPort  int
		ssePort   int
		jwtAuth   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the multi-transport search server",
		Long: `Starts the HTTP and SSE transports, the session sweep, and optionally the
metrics listener. Transport and session settings come from the environment
(HTTP_*, SSE_*, SESSION_*, METRICS_*, REDIS_*); flags override the ports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debugMode, storeType, httpPort, ssePort, jwtAuth)
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&storeType, "store", "memory", "Session store backend: memory or redis")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP transport port (overrides HTTP_PORT)")
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "SSE transport port (overrides SSE_PORT)")
	cmd.Flags().BoolVar(&jwtAuth, "jwt-auth", false, "Validate bearer tokens with the JWT_* settings")
	return cmd
}

func runServe(ctx context.Context, debugMode bool, storeType string, httpPort, ssePort int, jwtAuth bool) error {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessCfg, err := sessions.ConfigFromEnv()
	if err != nil {
		return err
	}
	httpCfg, err := httptransport.ConfigFromEnv()
	if err != nil {
		return err
	}
	sseCfg, err := ssetransport.ConfigFromEnv()
	if err != nil {
		return err
	}
	if httpPort > 0 {
		httpCfg.Port = httpPort
	}
	if ssePort > 0 {
		sseCfg.Port = ssePort
	}

	var store sessions.SessionStore
	switch storeType {
	case "memory":
		store = memorystore.New()
	case "redis":
		store, err = redisstore.NewFromEnv()
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
	default:
		return fmt.Errorf("unknown store backend %q", storeType)
	}

	var authenticator auth.Authenticator
	if jwtAuth {
		authenticator, err = auth.NewJWTFromEnv()
		if err != nil {
			return fmt.Errorf("jwt auth: %w", err)
		}
	}

	pool := sessions.NewConnectionPool()
	connHandler := sessions.NewConnectionHandler(pool, log)
	manager := sessions.NewManager(sessCfg, store, pool, sessions.WithLogger(log))

	httpT := httptransport.New(httpCfg, httptransport.WithLogger(log))
	sseT := ssetransport.New(sseCfg,
		ssetransport.WithLogger(log),
		ssetransport.WithSessionBinding(manager, connHandler),
	)
	tm := transport.NewManager([]transport.Transport{httpT, sseT}, transport.WithLogger(log))

	if err := registerHandlers(tm, manager, authenticator); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	var metricsCfg metrics.ServerConfig
	if err := envdecode.Decode(&metricsCfg); err != nil {
		return fmt.Errorf("decode metrics config: %w", err)
	}
	var metricsSrv *metrics.Server
	if metricsCfg.Enabled {
		metricsSrv = metrics.NewServer(metricsCfg, log)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error("metrics.serve.fail", slog.String("err", err.Error()))
			}
		}()
	}

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("session.sweep.exit", slog.String("err", err.Error()))
		}
	}()

	if err := tm.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = tm.Stop(shutdownCtx)
		return fmt.Errorf("start transports: %w", err)
	}
	log.Info("serve.ready", slog.Any("endpoints", tm.GetEndpoints()))

	<-ctx.Done()
	log.Info("serve.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := tm.Stop(shutdownCtx); err != nil {
		log.Error("serve.shutdown.fail", slog.String("err", err.Error()))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics.shutdown.fail", slog.String("err", err.Error()))
		}
	}
	return nil
}

type createSessionParams struct {
	Token      string            `json:"token,omitempty"`
	Transport  string            `json:"transport,omitempty"`
	ClientInfo map[string]string `json:"client_info,omitempty"`
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

// registerHandlers installs the search method and the session admin methods on
// every transport.
func registerHandlers(tm *transport.Manager, manager *sessions.Manager, authenticator auth.Authenticator) error {
	if err := tm.RegisterHandler("web_search", search.Handler(&search.Static{}), transport.WithInputType(search.Query{})); err != nil {
		return err
	}

	if err := tm.RegisterHandler("session.create", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p createSessionParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		identity := auth.Anonymous(uuid.NewString())
		if authenticator != nil && p.Token != "" {
			var err error
			identity, err = authenticator.CheckAuthentication(ctx, p.Token)
			if err != nil {
				return nil, err
			}
		}
		tr := sessions.TransportHTTP
		if p.Transport == string(sessions.TransportSSE) {
			tr = sessions.TransportSSE
		}
		sess, err := manager.CreateSession(ctx, identity, tr, p.ClientInfo)
		if err != nil {
			return nil, err
		}
		return sess.Info(), nil
	}, transport.WithInputType(createSessionParams{})); err != nil {
		return err
	}

	if err := tm.RegisterHandler("session.info", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sessionIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		sess, err := manager.TouchSession(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return sess.Info(), nil
	}, transport.WithInputType(sessionIDParams{})); err != nil {
		return err
	}

	if err := tm.RegisterHandler("session.terminate", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sessionIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		terminated, err := manager.TerminateSession(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": p.SessionID, "terminated": terminated}, nil
	}, transport.WithInputType(sessionIDParams{})); err != nil {
		return err
	}

	return tm.RegisterHandler("session.stats", func(ctx context.Context, params json.RawMessage) (any, error) {
		return manager.GetSessionStats(ctx)
	})
}
