// deskbrain - support conversation broker server
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

	"github.com/avereen/deskbrain/internal/api"
	"github.com/avereen/deskbrain/internal/approval"
	"github.com/avereen/deskbrain/internal/audit"
	"github.com/avereen/deskbrain/internal/config"
	"github.com/avereen/deskbrain/internal/engine"
	"github.com/avereen/deskbrain/internal/filter"
	"github.com/avereen/deskbrain/internal/identity"
	"github.com/avereen/deskbrain/internal/lookup"
	"github.com/avereen/deskbrain/internal/middleware"
	"github.com/avereen/deskbrain/internal/session"
	"github.com/avereen/deskbrain/internal/store"
	"github.com/avereen/deskbrain/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		Dir:           cfg.Audit.Dir,
		GlobalEnabled: cfg.Audit.GlobalEnabled,
		GlobalPath:    cfg.Audit.GlobalPath,
		QueueSize:     cfg.Audit.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	var anonEngine filter.Engine
	if cfg.Filter.RemoteURL != "" {
		anonEngine = filter.NewRemoteEngine(cfg.Filter.RemoteURL, cfg.Filter.RemoteTimeout)
		slog.Info("Content filter using remote anonymizer", "url", cfg.Filter.RemoteURL)
	} else {
		slog.Info("Content filter using built-in rules")
	}
	contentFilter := filter.New(anonEngine)

	factory, err := engine.NewFactory(cfg.Engine)
	if err != nil {
		slog.Error("Failed to initialize engine runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine runtime ready", "runtime", cfg.Engine.RuntimeKind)

	gateway := approval.NewGateway(repo, auditLog, cfg.ApprovalTimeout, cfg.Engine.SensitiveActions)
	registry := session.NewRegistry(cfg, repo, gateway, contentFilter, auditLog, factory)

	lookupClient := lookup.New(cfg.Lookup.URL, cfg.Lookup.Token, cfg.Lookup.Timeout)
	if lookupClient == nil {
		slog.Info("Ticket lookup disabled (LOOKUP_URL not set)")
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(registry, repo, lookupClient)
	wsHandler := transport.NewWebSocketHandler(registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	r.Get("/api/health", baseHandler.HandleHealth)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/sessions", baseHandler.HandleOpenSession)
		r.Get("/sessions", baseHandler.HandleListSessions)
		r.Get("/sessions/{sessionID}", baseHandler.HandleGetSession)
		r.Delete("/sessions/{sessionID}", baseHandler.HandleTerminateSession)
		r.Post("/sessions/{sessionID}/messages", baseHandler.HandleSendMessage)
		r.Get("/sessions/{sessionID}/messages", baseHandler.HandleHistory)
		r.Get("/sessions/{sessionID}/approvals", baseHandler.HandleListApprovals)
		r.Post("/approvals/{approvalID}", baseHandler.HandleResolveApproval)
	})

	// WebSocket endpoint.
	r.Get("/ws/chat/sessions/{sessionID}", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(ctx)
	gateway.StartExpiryWorker(ctx, cfg.SweepInterval)
	slog.Info("Background workers started",
		"idle_timeout", cfg.SessionIdleTimeout,
		"approval_timeout", cfg.ApprovalTimeout,
		"sweep_interval", cfg.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	registry.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}
