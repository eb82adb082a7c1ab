// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/chatdesk/internal/domain"
)

// Repository defines the interface for persisting transcripts and session assignments.
type Repository interface {
	// FindAssignment retrieves the durable assignment for a session.
	// Returns nil, nil when the session has never been assigned.
	FindAssignment(ctx context.Context, sessionID string) (*domain.Assignment, error)

	// UpsertAssignment creates or overwrites the assignment for a session.
	UpsertAssignment(ctx context.Context, assignment *domain.Assignment) error

	// RemoveAssignment deletes the assignment for a session. Missing rows are not an error.
	RemoveAssignment(ctx context.Context, sessionID string) error

	// ListAssignments returns every durable assignment keyed by session ID.
	ListAssignments(ctx context.Context) (map[string]*domain.Assignment, error)

	// LatestAssignedAgent returns the agent named by the session's assignment, or "" if none.
	LatestAssignedAgent(ctx context.Context, sessionID string) (string, error)

	// AppendMessage persists a transcript line and sets its ID.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// HistoryFor returns the transcript of a session in persisted order.
	HistoryFor(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)

	// LatestMessages returns the most recent message of each given session.
	// Sessions without messages are absent from the result.
	LatestMessages(ctx context.Context, sessionIDs []string) (map[string]*domain.ChatMessage, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
