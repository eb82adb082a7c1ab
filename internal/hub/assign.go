package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/shared"
)

// Assignment errors.
var (
	ErrAlreadyAssigned = errors.New("session already assigned")
	ErrInvalidRequest  = errors.New("session id and agent name are required")
)

// AssignmentConflictError reports the live agent that already handles a session.
type AssignmentConflictError struct {
	SessionID string
	Agent     string
}

func (e *AssignmentConflictError) Error() string {
	return "Already handled by " + e.Agent
}

// Unwrap lets callers match ErrAlreadyAssigned.
func (e *AssignmentConflictError) Unwrap() error {
	return ErrAlreadyAssigned
}

func (h *Hub) assignLock(session string) *sync.Mutex {
	lock, _ := h.assignLocks.LoadOrStore(session, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Assign records agent as the handler of session. A record naming another
// live agent wins; records naming a ghost or the same agent are overwritten.
func (h *Hub) Assign(ctx context.Context, session, agent, connID string) error {
	session = strings.TrimSpace(session)
	agent = strings.TrimSpace(agent)
	if session == "" || agent == "" {
		return ErrInvalidRequest
	}

	lock := h.assignLock(session)
	lock.Lock()
	defer lock.Unlock()

	rec, err := h.assignments.FindAssignment(ctx, session)
	if err != nil {
		return fmt.Errorf("find assignment: %w", err)
	}
	if rec != nil && rec.AgentName != agent && h.registry.IsLive(rec.AgentName) {
		return &AssignmentConflictError{SessionID: session, Agent: rec.AgentName}
	}

	owner, ok := h.registry.ClaimIfUnowned(agent, session)
	if !ok && owner != "" {
		return &AssignmentConflictError{SessionID: session, Agent: owner}
	}
	if !ok {
		h.logger.Debug("assigning session to evicted agent", "agent", agent, "session_id", session)
	}

	if connID == "" {
		connID, _ = h.registry.ConnectionOf(agent)
	}
	assignment := &domain.Assignment{
		SessionID:         session,
		AgentName:         agent,
		AgentConnectionID: connID,
		AssignedAt:        h.now().UTC(),
	}
	err = shared.RetryOnConflict(ctx, h.retry, "upsert assignment", func(ctx context.Context) error {
		return h.assignments.UpsertAssignment(ctx, assignment)
	})
	if err != nil {
		return err
	}

	if rec != nil && rec.AgentName != agent {
		h.logger.Info("session reassigned", "session_id", session, "agent", agent, "previous_agent", rec.AgentName)
	} else {
		h.logger.Info("session assigned", "session_id", session, "agent", agent)
	}
	return nil
}

// Unassign removes the durable record and releases the session from every
// owner, announcing it as ended if that orphans it.
func (h *Hub) Unassign(ctx context.Context, session string) error {
	session = strings.TrimSpace(session)
	if session == "" {
		return ErrInvalidRequest
	}

	lock := h.assignLock(session)
	lock.Lock()
	defer lock.Unlock()

	err := shared.RetryOnConflict(ctx, h.retry, "remove assignment", func(ctx context.Context) error {
		return h.assignments.RemoveAssignment(ctx, session)
	})
	if err != nil {
		return err
	}

	if released := h.registry.ReleaseAll(session); len(released) > 0 {
		h.logger.Info("session unassigned", "session_id", session, "released", released)
		h.notifyOrphans([]string{session})
	}
	return nil
}
