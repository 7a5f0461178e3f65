// Session Relay Core - multiplexes browser and agent-container WebSocket
// peers onto a per-session relay, translating between the browser control
// protocol and the agent NDJSON wire protocol.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaylabs/session-relay/internal/agentproto"
	"github.com/relaylabs/session-relay/internal/api"
	"github.com/relaylabs/session-relay/internal/browserproto"
	"github.com/relaylabs/session-relay/internal/config"
	"github.com/relaylabs/session-relay/internal/identity"
	"github.com/relaylabs/session-relay/internal/middleware"
	"github.com/relaylabs/session-relay/internal/orchestrator"
	"github.com/relaylabs/session-relay/internal/relay"
	"github.com/relaylabs/session-relay/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting session relay", "port", cfg.Server.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DB.Path, cfg.DB.MaxOpenConns, cfg.DB.MaxIdleConns, cfg.DB.ConnMaxLifetime)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.DB.Path)

	orch, err := orchestrator.NewDockerManager(cfg.Orchestrator.AgentImage, cfg.Orchestrator.ContainerRuntime)
	if err != nil {
		slog.Error("failed to initialize container orchestrator", "error", err)
		os.Exit(1)
	}
	networkID, err := orch.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("failed to ensure agent network", "error", err)
		os.Exit(1)
	}
	slog.Info("agent network ready", "network_id", networkID)

	// The identity provider is an opaque external collaborator in this
	// repo's scope (§1). This static verifier is a dev-only stand-in wired
	// from a single env-configured token so the browser endpoint is
	// exercisable end to end without a real identity service.
	verifier := identity.NewStaticVerifier(map[string]identity.Identity{
		getEnv("IDENTITY_DEV_TOKEN", "dev-token"): {UserID: getEnv("IDENTITY_DEV_USER", "dev-user")},
	})

	timeouts := relay.NewConnectionTimeout()
	registry := relay.NewRegistry(relay.Deps{
		SessionStore:         repo,
		MessageStore:         repo,
		Timeouts:             timeouts,
		KeepAliveInterval:    cfg.Relay.KeepAliveInterval,
		PendingPermissionCap: cfg.Relay.PendingPermissionCap,
	}, cfg.Relay.MessageBufferCapacity)

	agentHandler := agentproto.NewHandler(registry, repo)
	browserHandler := browserproto.NewHandler(registry, verifier, cfg.Relay.BrowserPingInterval, cfg.Relay.BrowserPongTimeout)
	sessionHandler := api.NewSessionHandler(repo, registry, timeouts, orch, cfg.Server.RelayBaseURL, cfg.Relay.ConnectTimeout)
	healthHandler := api.NewHealthHandler(repo)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.Server.FrontendOrigin, "*"}))

	healthHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	r.Get("/ws/relay/{sessionID}", agentHandler.ServeHTTP)
	r.Get("/ws", browserHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(r, "session-relay"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	for _, r := range registry.All() {
		r.Shutdown("Session stopped")
		r.CloseBrowsers(relay.CloseShutdown, "server shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped successfully")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
