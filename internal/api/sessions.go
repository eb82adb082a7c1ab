package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/identity"
)

const (
	unknownUser    = "New User"
	unknownAddress = "unknown"
)

// ListSessions returns every session with a connected customer, most recent
// activity first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active := h.sessions.ActiveCustomerSessions()

	latest, err := h.repo.LatestMessages(ctx, active)
	if err != nil {
		h.logger.Error("failed to load latest messages", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	assignments, err := h.repo.ListAssignments(ctx)
	if err != nil {
		h.logger.Error("failed to load assignments", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}

	summaries := make([]domain.SessionSummary, 0, len(active))
	for i, session := range active {
		summary := domain.SessionSummary{SessionID: session}

		label, ok := h.sessions.SessionLabel(session)
		if !ok {
			label = fmt.Sprintf("User %d", i+1)
		}
		summary.Label = label

		if a, ok := assignments[session]; ok {
			agent := a.AgentName
			summary.AssignedAgent = &agent
		}
		if msg, ok := latest[session]; ok {
			sentAt := msg.SentAt
			summary.LastMessage = msg.Message
			summary.LastMessageAt = &sentAt
			summary.IPAddress = msg.IPAddress
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessageAt, summaries[j].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})

	JSON(w, http.StatusOK, summaries)
}

// GetSession returns the summary of one session, whether or not a customer
// is connected.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionId")
	if !identity.ValidSessionID(session) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	ctx := r.Context()

	latest, err := h.repo.LatestMessages(ctx, []string{session})
	if err != nil {
		h.logger.Error("failed to load latest message", "error", err, "session_id", session)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	agent, err := h.repo.LatestAssignedAgent(ctx, session)
	if err != nil {
		h.logger.Error("failed to load assignment", "error", err, "session_id", session)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	summary := domain.SessionSummary{
		SessionID: session,
		Label:     unknownUser,
		IPAddress: unknownAddress,
	}
	if agent != "" {
		summary.AssignedAgent = &agent
	}
	if msg, ok := latest[session]; ok {
		sentAt := msg.SentAt
		summary.Label = msg.User
		summary.LastMessage = msg.Message
		summary.LastMessageAt = &sentAt
		if msg.IPAddress != "" {
			summary.IPAddress = msg.IPAddress
		}
	}

	JSON(w, http.StatusOK, summary)
}

// GetChat returns the full transcript of a session in order.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionId")
	if !identity.ValidSessionID(session) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	history, err := h.repo.HistoryFor(r.Context(), session)
	if err != nil {
		h.logger.Error("failed to load transcript", "error", err, "session_id", session)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	JSON(w, http.StatusOK, history)
}
