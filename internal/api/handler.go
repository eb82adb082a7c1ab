// Package api provides HTTP handlers for the chatdesk read queries and
// session assignment.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatdesk/internal/presence"
	"github.com/ashureev/chatdesk/internal/store"
)

// Sessions exposes the live session state held by the hub.
type Sessions interface {
	ActiveCustomerSessions() []string
	SessionLabel(session string) (string, bool)
	Assign(ctx context.Context, session, agent, connID string) error
	Unassign(ctx context.Context, session string) error
}

// Presence exposes the agent registry.
type Presence interface {
	Snapshot() []presence.AgentSnapshot
}

// Handler serves the /api routes.
type Handler struct {
	repo     store.Repository
	sessions Sessions
	presence Presence
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions Sessions, presence Presence, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		sessions: sessions,
		presence: presence,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionId}", h.GetSession)
		r.Get("/chat/{sessionId}", h.GetChat)
		r.Post("/assign-agent", h.AssignAgent)
		r.Delete("/assign-agent/{sessionId}", h.UnassignAgent)
		r.Get("/agents", h.ListAgents)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
