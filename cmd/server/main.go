// chatdesk - live chat coordinator for customers and support agents
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/chatdesk/internal/api"
	"github.com/ashureev/chatdesk/internal/config"
	"github.com/ashureev/chatdesk/internal/hub"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/ashureev/chatdesk/internal/middleware"
	"github.com/ashureev/chatdesk/internal/presence"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/ashureev/chatdesk/internal/transcript"
	"github.com/ashureev/chatdesk/web"
)

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

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

	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Server.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.Database.Path)
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
	slog.Info("Database connected", "path", cfg.Database.Path)

	// Initialize services.
	registry := presence.NewRegistry()
	queue := transcript.NewQueue()
	writer := transcript.NewWriter(queue, repo, transcript.WriterConfig{
		AppendTimeout: cfg.Transcript.AppendTimeout,
		DrainTimeout:  cfg.Transcript.DrainTimeout,
		Retry:         cfg.RetryPolicy(),
	}, logger)
	writer.Start()

	chatHub := hub.New(registry, queue, repo, hub.Options{
		Logger: logger,
		Retry:  cfg.RetryPolicy(),
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, chatHub, registry, logger)
	healthHandler := api.NewHealthHandler(repo, writer.Stats)
	wsHandler := hub.NewWebSocketHandler(chatHub, cfg.Server.AllowedOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.Middleware).Get("/chat-hub", wsHandler.ServeHTTP)

	// Serve embedded widget and agent console.
	r.Handle("/*", web.Handler())

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start ghost reaper.
	reaper := presence.StartReaper(ctx, registry, presence.ReaperConfig{
		Interval: cfg.Presence.ReaperInterval,
		Timeout:  cfg.Presence.HeartbeatTimeout,
	}, presence.ReaperHooks{
		OnEvict: chatHub.EvictGhost,
		OnSweep: chatHub.RequestHeartbeats,
	}, logger)

	// Optional gRPC health endpoint.
	if cfg.Server.GRPCHealthAddr != "" {
		grpcHealth, err := api.NewGRPCHealth(cfg.Server.GRPCHealthAddr, repo, logger)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC health listening", "addr", grpcHealth.Addr())
			if err := grpcHealth.Serve(ctx); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-reaper.Done()

	queue.Close()
	if err := writer.Close(); err != nil {
		slog.Error("Transcript writer did not drain", "error", err)
	}

	slog.Info("Server stopped successfully")
}
