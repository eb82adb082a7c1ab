package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatdesk/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := openSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndHistoryPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 0; i < 5; i++ {
		msg := &domain.ChatMessage{
			SessionID:  "S1",
			SenderRole: domain.RoleCustomer,
			User:       "User 1",
			Message:    fmt.Sprintf("m%d", i),
			// Identical timestamps must not disturb ordering.
			SentAt:    base,
			IPAddress: "10.0.0.1",
		}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}
	require.NoError(t, s.AppendMessage(ctx, &domain.ChatMessage{
		SessionID: "S2", SenderRole: domain.RoleAgent, User: "bob", Message: "other", SentAt: base,
	}))

	history, err := s.HistoryFor(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, msg := range history {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Message)
		assert.Equal(t, domain.RoleCustomer, msg.SenderRole)
		assert.Equal(t, "10.0.0.1", msg.IPAddress)
		assert.True(t, msg.SentAt.Equal(base))
	}

	empty, err := s.HistoryFor(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLatestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, m := range []struct{ session, body string }{
		{"S1", "first"}, {"S2", "hello"}, {"S1", "second"},
	} {
		require.NoError(t, s.AppendMessage(ctx, &domain.ChatMessage{
			SessionID: m.session, SenderRole: domain.RoleCustomer, User: "u", Message: m.body, SentAt: now,
		}))
	}

	latest, err := s.LatestMessages(ctx, []string{"S1", "S2", "S3"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "second", latest["S1"].Message)
	assert.Equal(t, "hello", latest["S2"].Message)

	none, err := s.LatestMessages(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAssignmentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindAssignment(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, got)

	agent, err := s.LatestAssignedAgent(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, agent)

	require.NoError(t, s.UpsertAssignment(ctx, &domain.Assignment{
		SessionID: "S1", AgentName: "alice", AgentConnectionID: "c1",
	}))
	got, err = s.FindAssignment(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.AgentName)
	assert.Equal(t, "c1", got.AgentConnectionID)
	assert.False(t, got.AssignedAt.IsZero())

	// Overwrite keeps a single row per session.
	require.NoError(t, s.UpsertAssignment(ctx, &domain.Assignment{SessionID: "S1", AgentName: "bob"}))
	agent, err = s.LatestAssignedAgent(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "bob", agent)

	all, err := s.ListAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Empty(t, all["S1"].AgentConnectionID)

	require.NoError(t, s.RemoveAssignment(ctx, "S1"))
	require.NoError(t, s.RemoveAssignment(ctx, "S1"))
	got, err = s.FindAssignment(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
