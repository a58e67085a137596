// Sales bot - lead qualification chat server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/salesbot/internal/api"
	"github.com/ashureev/salesbot/internal/auth"
	"github.com/ashureev/salesbot/internal/catalog"
	"github.com/ashureev/salesbot/internal/config"
	"github.com/ashureev/salesbot/internal/connection"
	"github.com/ashureev/salesbot/internal/dialogue"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/flow"
	"github.com/ashureev/salesbot/internal/identity"
	"github.com/ashureev/salesbot/internal/metrics"
	"github.com/ashureev/salesbot/internal/probe"
	"github.com/ashureev/salesbot/internal/store"
	"github.com/ashureev/salesbot/internal/transport/bridge"
)

var _ connection.Handler = (*dialogue.Engine)(nil)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg := config.FromEnv()
	if err := newRootCmd(cfg, level).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, level *slog.LevelVar) *cobra.Command {
	root := &cobra.Command{
		Use:           "salesbot",
		Short:         "Lead qualification bot for the business chat account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := cfg.Validate(); err != nil {
				slog.Error("Invalid configuration", "error", err)
				return err
			}
			lvl, _ := cfg.Level()
			level.Set(lvl)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "reset-auth",
			Short: "Wipe stored credentials and key material so the next start pairs again",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return resetAuth(cmd.Context(), cfg)
			},
		},
		newSessionsCmd(cfg),
		&cobra.Command{
			Use:   "healthcheck",
			Short: "Exit non-zero unless the running bot reports SERVING",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return healthcheck(cmd.Context(), cfg)
			},
		},
	)
	return root
}

func newSessionsCmd(cfg *config.Config) *cobra.Command {
	var (
		jid  string
		wipe bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print stored sessions as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore(st)

			if wipe {
				st.ClearSessions(cmd.Context())
				return nil
			}

			sessions := st.LoadSessions(cmd.Context())
			out := make([]domain.Session, 0, len(sessions))
			want := identity.Normalize(jid)
			for _, s := range sessions {
				if want == "" || s.JID == want {
					out = append(out, s)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&jid, "jid", "", "only print the session of this contact")
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete every stored session instead (stop the bot first)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "store", cfg.Store.Backend)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)
	slog.Info("Store connected", "backend", cfg.Store.Backend)

	if cfg.Store.ClearAuth {
		slog.Warn("CLEAR_AUTH set, wiping credentials before connecting")
		st.ClearAuth(ctx)
	}

	def, err := flow.Load(cfg.FlowFile)
	if err != nil {
		slog.Error("Failed to load conversation flow", "error", err, "file", cfg.FlowFile)
		return err
	}

	m := metrics.New()
	logger := slog.Default()

	mgr := connection.New(
		bridge.New(cfg.BridgeURL, bridge.WithLogger(logger)),
		st,
		connection.WithConfig(connection.Config{
			MaxAttempts: cfg.MaxReconnectAttempts,
			Backoff:     cfg.ReconnectBackoff,
		}),
		connection.WithMetrics(m),
		connection.WithLogger(logger),
	)

	blocklist := identity.ParseBlocklist(cfg.Blocklist)
	engine := dialogue.New(def, mgr, st,
		dialogue.WithMedia(catalog.New(os.DirFS(cfg.CatalogDir), def.Catalog.TopDir, def.Catalog.Extensions)),
		dialogue.WithBlocklist(blocklist),
		dialogue.WithMetrics(m),
		dialogue.WithLogger(logger),
		dialogue.WithConfig(dialogue.Config{
			SendInterval:   cfg.SendInterval,
			OverrideMarker: cfg.OverrideMarker,
			ResetMarker:    cfg.ResetMarker,
		}),
	)
	defer engine.Close()
	resumed := engine.Resume(ctx)
	mgr.SetHandler(engine)
	slog.Info("Dialogue engine ready", "resumed", resumed, "blocklisted", blocklist.Len(), "catalog_dir", cfg.CatalogDir)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	api.NewHandler(mgr, engine, st, m, cfg.OperatorToken, logger).RegisterRoutes(r)

	// WriteTimeout stays 0 for the status websocket.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	health := probe.NewServer(mgr, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		return health.Serve(gctx, lis)
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-mgr.Fatal():
				slog.Error("Connection gave up after repeated failures; POST /api/connection/reconnect to retry",
					"attempts", cfg.MaxReconnectAttempts)
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

func resetAuth(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)
	st.ClearAuth(ctx)
	return nil
}

func healthcheck(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := probe.Check(ctx, net.JoinHostPort("127.0.0.1", cfg.GRPCPort))
	if err != nil {
		return err
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("bot is %s", status)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	backend, err := store.OpenBackend(ctx, store.BackendConfig{
		Kind:     cfg.Store.Backend,
		Dir:      cfg.Store.Dir,
		DBPath:   cfg.Store.DBPath,
		MongoURI: cfg.Store.MongoURI,
		MongoDB:  cfg.Store.MongoDB,
	})
	if err != nil {
		slog.Error("Failed to open store", "error", err, "backend", cfg.Store.Backend)
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		slog.Error("Store health check failed", "error", err)
		_ = backend.Close()
		return nil, err
	}

	return store.New(backend,
		store.WithSealer(auth.NewSealer(cfg.Store.CredsPassphrase, 0)),
		store.WithLogger(slog.Default()),
	), nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}
