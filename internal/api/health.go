package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthCheckTimeout  = 5 * time.Second
	grpcProbeInterval   = 15 * time.Second
	grpcHealthServiceID = "chatdesk"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsFunc returns diagnostic counters included in health responses.
type StatsFunc func() map[string]interface{}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db    Pinger
	stats StatsFunc
}

// NewHealthHandler creates a new health handler. stats may be nil.
func NewHealthHandler(db Pinger, stats StatsFunc) *HealthHandler {
	return &HealthHandler{db: db, stats: stats}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.stats != nil {
		status["transcript"] = h.stats()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// GRPCHealth serves the standard gRPC health protocol, reflecting database
// reachability.
type GRPCHealth struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	db         Pinger
	interval   time.Duration
	logger     *slog.Logger
}

// NewGRPCHealth listens on addr and prepares the health service.
func NewGRPCHealth(addr string, db Pinger, logger *slog.Logger) (*GRPCHealth, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &GRPCHealth{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		db:         db,
		interval:   grpcProbeInterval,
		logger:     logger.With("component", "grpc-health"),
	}
	s.probe(context.Background())
	return s, nil
}

// Addr returns the listen address.
func (s *GRPCHealth) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the gRPC server until ctx is cancelled.
func (s *GRPCHealth) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.probe(ctx)
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpcServer.GracefulStop()
			err := <-serveErr
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case err := <-serveErr:
			return fmt.Errorf("serve grpc health: %w", err)
		}
	}
}

func (s *GRPCHealth) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.db.Ping(pingCtx); err != nil {
		s.logger.Warn("database unreachable", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(grpcHealthServiceID, status)
}
