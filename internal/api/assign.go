package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatdesk/internal/hub"
)

// AssignRequest is the body of POST /api/assign-agent.
type AssignRequest struct {
	SessionID    string `json:"sessionId"`
	AgentName    string `json:"agentName"`
	ConnectionID string `json:"connectionId"`
}

// AssignAgent records an agent as the handler of a session.
func (h *Handler) AssignAgent(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.sessions.Assign(r.Context(), req.SessionID, req.AgentName, req.ConnectionID)

	var conflict *hub.AssignmentConflictError
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "assigned"})
	case errors.As(err, &conflict):
		JSON(w, http.StatusConflict, map[string]string{
			"error": conflict.Error(),
			"agent": conflict.Agent,
		})
	case errors.Is(err, hub.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, "sessionId and agentName are required")
	default:
		h.logger.Error("failed to assign agent", "error", err, "session_id", req.SessionID, "agent", req.AgentName)
		Error(w, http.StatusInternalServerError, "failed to assign agent")
	}
}

// UnassignAgent removes the assignment of a session.
func (h *Handler) UnassignAgent(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionId")

	err := h.sessions.Unassign(r.Context(), session)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
	case errors.Is(err, hub.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, "sessionId is required")
	default:
		h.logger.Error("failed to unassign agent", "error", err, "session_id", session)
		Error(w, http.StatusInternalServerError, "failed to unassign agent")
	}
}

// ListAgents returns the registry snapshot.
func (h *Handler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.presence.Snapshot())
}
