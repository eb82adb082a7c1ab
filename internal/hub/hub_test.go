package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/ashureev/chatdesk/internal/presence"
	"github.com/ashureev/chatdesk/internal/transcript"
)

type fakePeer struct {
	mu     sync.Mutex
	frames []Frame
	closed string
}

func (p *fakePeer) Send(frame []byte) bool {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return true
}

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == "" {
		p.closed = reason
	}
}

func (p *fakePeer) closedWith() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) ofType(frameType string) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Frame
	for _, f := range p.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func payload[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func sessionIDs(t *testing.T, frames []Frame) []string {
	t.Helper()
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, payload[SessionPayload](t, f).SessionID)
	}
	return ids
}

type memoryAssignments struct {
	mu      sync.Mutex
	records map[string]*domain.Assignment
	findErr error
}

func newMemoryAssignments() *memoryAssignments {
	return &memoryAssignments{records: make(map[string]*domain.Assignment)}
}

func (m *memoryAssignments) FindAssignment(_ context.Context, sessionID string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if rec, ok := m.records[sessionID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryAssignments) UpsertAssignment(_ context.Context, a *domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.records[a.SessionID] = &cp
	return nil
}

func (m *memoryAssignments) RemoveAssignment(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

type testHub struct {
	*Hub
	registry    *presence.Registry
	queue       *transcript.Queue
	assignments *memoryAssignments
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	var seq atomic.Int64
	registry := presence.NewRegistry()
	queue := transcript.NewQueue()
	assignments := newMemoryAssignments()
	h := New(registry, queue, assignments, Options{
		NewID: func() string { return fmt.Sprintf("conn-%d", seq.Add(1)) },
	})
	return &testHub{Hub: h, registry: registry, queue: queue, assignments: assignments}
}

func (th *testHub) agent(name string) (*Client, *fakePeer) {
	p := &fakePeer{}
	return th.Register(identity.Identity{Role: domain.RoleAgent, Username: name, Origin: "10.0.0.9"}, p), p
}

func (th *testHub) customer(session, origin string) (*Client, *fakePeer) {
	p := &fakePeer{}
	return th.Register(identity.Identity{Role: domain.RoleCustomer, SessionID: session, Origin: origin}, p), p
}

func TestRegisterSendsConnectionID(t *testing.T) {
	th := newTestHub(t)
	c, p := th.agent("alice")

	frames := p.ofType(TypeConnected)
	require.Len(t, frames, 1)
	assert.Equal(t, c.ID(), payload[ConnectedPayload](t, frames[0]).ConnectionID)
	assert.True(t, th.registry.IsLive("alice"))
}

func TestCustomerConnectAnnouncesNewSession(t *testing.T) {
	th := newTestHub(t)
	_, agentPeer := th.agent("alice")

	customer, _ := th.customer("S1", "203.0.113.5")
	th.SendMessage(customer, "S1", "", domain.SessionStartedMarker)

	frames := agentPeer.ofType(TypeNewSessionStarted)
	require.Len(t, frames, 1)
	got := payload[NewSessionPayload](t, frames[0])
	assert.Equal(t, NewSessionPayload{SessionID: "S1", Label: "User 1", IPAddress: "203.0.113.5"}, got)
	assert.Equal(t, []string{"S1"}, th.ActiveCustomerSessions())
}

func TestNewSessionAnnouncedExactlyOnceUnderConcurrency(t *testing.T) {
	th := newTestHub(t)
	_, agentPeer := th.agent("alice")

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := th.customer("S1", fmt.Sprintf("198.51.100.%d", i))
			th.SendMessage(c, "S1", "", domain.SessionStartedMarker)
		}(i)
	}
	wg.Wait()

	assert.Len(t, agentPeer.ofType(TypeNewSessionStarted), 1)
}

func TestOwnedSessionIsNotAnnounced(t *testing.T) {
	th := newTestHub(t)
	alice, agentPeer := th.agent("alice")
	th.JoinSession(alice, "S1")

	th.customer("S1", "203.0.113.5")
	assert.Empty(t, agentPeer.ofType(TypeNewSessionStarted))
}

func TestDurableOwnerCountsOnlyWhenLive(t *testing.T) {
	th := newTestHub(t)
	_, agentPeer := th.agent("alice")
	th.agent("carol")

	require.NoError(t, th.assignments.UpsertAssignment(context.Background(), &domain.Assignment{SessionID: "S1", AgentName: "carol"}))
	require.NoError(t, th.assignments.UpsertAssignment(context.Background(), &domain.Assignment{SessionID: "S2", AgentName: "ghost"}))

	th.customer("S1", "")
	th.customer("S2", "")

	frames := agentPeer.ofType(TypeNewSessionStarted)
	require.Len(t, frames, 1)
	assert.Equal(t, "S2", payload[NewSessionPayload](t, frames[0]).SessionID)
}

func TestStoreErrorTreatedAsUnowned(t *testing.T) {
	th := newTestHub(t)
	th.assignments.findErr = errors.New("database is closed")
	_, agentPeer := th.agent("alice")

	th.customer("S1", "")
	assert.Len(t, agentPeer.ofType(TypeNewSessionStarted), 1)
}

func TestSendMessagePersistsAndBroadcasts(t *testing.T) {
	th := newTestHub(t)
	alice, agentPeer := th.agent("alice")
	th.JoinSession(alice, "S1")
	customer, customerPeer := th.customer("S1", "203.0.113.5")

	th.SendMessage(customer, "S1", "", "hello")
	th.SendMessage(alice, "S1", "Alice", "hi there")
	th.SendMessage(customer, "S1", "", "   ")
	th.SendMessage(customer, "", "", "lost")

	require.Equal(t, 2, th.queue.Len())
	first, ok := th.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "User 1", first.User)
	assert.Equal(t, domain.RoleCustomer, first.SenderRole)
	assert.Equal(t, "203.0.113.5", first.IPAddress)

	second, ok := th.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "Alice", second.User)
	assert.Equal(t, domain.RoleAgent, second.SenderRole)
	assert.Equal(t, "203.0.113.5", second.IPAddress)

	for _, p := range []*fakePeer{agentPeer, customerPeer} {
		frames := p.ofType(TypeReceiveMessage)
		require.Len(t, frames, 2)
		assert.Equal(t, "hello", payload[MessagePayload](t, frames[0]).Message)
		assert.Equal(t, "hi there", payload[MessagePayload](t, frames[1]).Message)
	}
}

func TestJoinSessionConflictLeavesObserver(t *testing.T) {
	th := newTestHub(t)
	alice, _ := th.agent("alice")
	bob, bobPeer := th.agent("bob")

	th.JoinSession(alice, "S1")
	th.JoinSession(bob, "S1")

	frames := bobPeer.ofType(TypeClaimRejected)
	require.Len(t, frames, 1)
	assert.Equal(t, ClaimRejectedPayload{SessionID: "S1", Agent: "alice"}, payload[ClaimRejectedPayload](t, frames[0]))
	assert.Equal(t, []string{"alice"}, th.registry.Owners("S1"))

	customer, _ := th.customer("S1", "")
	th.SendMessage(customer, "S1", "", "anyone?")
	assert.Len(t, bobPeer.ofType(TypeReceiveMessage), 1)
}

func TestTypingFanOut(t *testing.T) {
	th := newTestHub(t)
	alice, alicePeer := th.agent("alice")
	_, bobPeer := th.agent("bob")
	customer, customerPeer := th.customer("S1", "")

	require.NoError(t, th.Assign(context.Background(), "S1", "alice", alice.ID()))
	th.SendTypingText(customer, "S1", "", "I need he")

	frames := alicePeer.ofType(TypeReceiveTypingText)
	require.Len(t, frames, 1)
	assert.Equal(t, "I need he", payload[TypingPayload](t, frames[0]).Text)
	assert.Empty(t, bobPeer.ofType(TypeReceiveTypingText))
	assert.Empty(t, customerPeer.ofType(TypeReceiveTypingText))

	th.JoinSession(alice, "S1")
	th.SendTypingText(alice, "S1", "", "typing")
	assert.Len(t, customerPeer.ofType(TypeReceiveTypingText), 1)
	assert.Len(t, alicePeer.ofType(TypeReceiveTypingText), 1)
	assert.Equal(t, 0, th.queue.Len())
}

func TestAgentDisconnectNotifiesOrphans(t *testing.T) {
	th := newTestHub(t)
	alice, _ := th.agent("alice")
	bob, bobPeer := th.agent("bob")

	th.JoinSession(alice, "S1")
	th.JoinSession(alice, "S2")
	th.JoinSession(bob, "S3")
	// Shared ownership is not orphaned when alice leaves.
	th.registry.Claim("bob", "S2")

	th.Unregister(alice)

	assert.Equal(t, []string{"S1"}, sessionIDs(t, bobPeer.ofType(TypeSessionEnded)))
	assert.False(t, th.registry.IsLive("alice"))
	assert.Empty(t, th.registry.Sessions("alice"))
}

func TestReplacedAgentConnectionKeepsSessions(t *testing.T) {
	th := newTestHub(t)
	old, oldPeer := th.agent("alice")
	th.JoinSession(old, "S1")

	current, _ := th.agent("alice")
	assert.Equal(t, "session replaced", oldPeer.closedWith())

	th.Unregister(old)
	conn, ok := th.registry.ConnectionOf("alice")
	require.True(t, ok)
	assert.Equal(t, current.ID(), conn)
	assert.Equal(t, []string{"S1"}, th.registry.Sessions("alice"))
}

func TestAgentReconnectRacingOldTeardownStaysRegistered(t *testing.T) {
	th := newTestHub(t)

	for i := 0; i < 100; i++ {
		old, _ := th.agent("alice")

		var current *Client
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			th.Unregister(old)
		}()
		go func() {
			defer wg.Done()
			current, _ = th.agent("alice")
		}()
		wg.Wait()

		conn, ok := th.registry.ConnectionOf("alice")
		require.True(t, ok, "round %d", i)
		assert.Equal(t, current.ID(), conn)

		session := fmt.Sprintf("S%d", i)
		th.JoinSession(current, session)
		assert.Equal(t, []string{"alice"}, th.registry.Owners(session))
		assert.True(t, th.registry.Heartbeat("alice", time.Now()))
	}
}

func TestCustomerDisconnectEndsSessionAndResetsLabel(t *testing.T) {
	th := newTestHub(t)
	_, agentPeer := th.agent("alice")

	first, _ := th.customer("S1", "203.0.113.5")
	th.Unregister(first)

	assert.Equal(t, []string{"S1"}, sessionIDs(t, agentPeer.ofType(TypeSessionEnded)))
	assert.Empty(t, th.ActiveCustomerSessions())

	th.customer("S1", "198.51.100.1")
	frames := agentPeer.ofType(TypeNewSessionStarted)
	require.Len(t, frames, 2)
	got := payload[NewSessionPayload](t, frames[1])
	assert.Equal(t, "User 2", got.Label)
	assert.Equal(t, "198.51.100.1", got.IPAddress)
}

func TestSecondCustomerTabDoesNotEndSessionEarly(t *testing.T) {
	th := newTestHub(t)
	_, agentPeer := th.agent("alice")

	first, _ := th.customer("S1", "")
	second, _ := th.customer("S1", "")

	th.Unregister(first)
	assert.Empty(t, agentPeer.ofType(TypeSessionEnded))

	th.Unregister(second)
	assert.Len(t, agentPeer.ofType(TypeSessionEnded), 1)
}

func TestLeaveSessionReleasesOwnership(t *testing.T) {
	th := newTestHub(t)
	alice, _ := th.agent("alice")
	bob, bobPeer := th.agent("bob")

	th.JoinSession(alice, "S1")
	th.LeaveSession(bob, "S1")
	assert.Empty(t, bobPeer.ofType(TypeSessionEnded))

	th.LeaveSession(alice, "S1")
	assert.Equal(t, []string{"S1"}, sessionIDs(t, bobPeer.ofType(TypeSessionEnded)))
	_, owned := th.registry.OwnerOf("S1")
	assert.False(t, owned)
}

func TestAssignLivenessWins(t *testing.T) {
	th := newTestHub(t)
	ctx := context.Background()
	alice, _ := th.agent("alice")
	bob, _ := th.agent("bob")

	require.NoError(t, th.Assign(ctx, "S1", "alice", alice.ID()))

	err := th.Assign(ctx, "S1", "bob", bob.ID())
	var conflict *AssignmentConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Equal(t, "alice", conflict.Agent)
	assert.Equal(t, "Already handled by alice", err.Error())

	// Same agent may re-assign.
	require.NoError(t, th.Assign(ctx, "S1", "alice", alice.ID()))

	th.Unregister(alice)
	require.NoError(t, th.Assign(ctx, "S1", "bob", bob.ID()))

	rec, err := th.assignments.FindAssignment(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.AgentName)
	assert.Equal(t, bob.ID(), rec.AgentConnectionID)
	assert.Equal(t, []string{"bob"}, th.registry.Owners("S1"))
}

func TestAssignRejectsBlankFields(t *testing.T) {
	th := newTestHub(t)
	assert.ErrorIs(t, th.Assign(context.Background(), " ", "alice", ""), ErrInvalidRequest)
	assert.ErrorIs(t, th.Assign(context.Background(), "S1", "", ""), ErrInvalidRequest)
}

func TestConcurrentAssignHasSingleWinner(t *testing.T) {
	th := newTestHub(t)
	const agents = 16
	for i := 0; i < agents; i++ {
		th.agent(fmt.Sprintf("agent-%d", i))
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if th.Assign(context.Background(), "S1", fmt.Sprintf("agent-%d", i), "") == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, th.registry.Owners("S1"), 1)
}

func TestUnassignReleasesAndNotifies(t *testing.T) {
	th := newTestHub(t)
	ctx := context.Background()
	_, alicePeer := th.agent("alice")

	require.NoError(t, th.Assign(ctx, "S1", "alice", ""))
	require.NoError(t, th.Unassign(ctx, "S1"))

	assert.Equal(t, []string{"S1"}, sessionIDs(t, alicePeer.ofType(TypeSessionEnded)))
	rec, err := th.assignments.FindAssignment(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEvictGhostClosesConnection(t *testing.T) {
	th := newTestHub(t)
	ghost, ghostPeer := th.agent("alice")
	_, bobPeer := th.agent("bob")
	th.JoinSession(ghost, "S1")

	th.EvictGhost("alice", th.registry.Evict("alice"))

	assert.Equal(t, "heartbeat timeout", ghostPeer.closedWith())
	assert.Equal(t, []string{"S1"}, sessionIDs(t, bobPeer.ofType(TypeSessionEnded)))

	// The closed socket unregisters later without evicting again.
	th.Unregister(ghost)
	assert.Len(t, bobPeer.ofType(TypeSessionEnded), 1)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestReaperEvictsSilentAgentThroughHub(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := presence.NewRegistry(presence.WithClock(clock.Now))
	assignments := newMemoryAssignments()
	th := &testHub{
		Hub:         New(registry, transcript.NewQueue(), assignments, Options{}),
		registry:    registry,
		assignments: assignments,
	}
	reaper := presence.NewReaper(registry, presence.ReaperConfig{
		Interval: time.Minute,
		Timeout:  2 * time.Minute,
	}, presence.ReaperHooks{
		OnEvict: th.EvictGhost,
		OnSweep: th.RequestHeartbeats,
	}, nil)

	alice, alicePeer := th.agent("alice")
	bob, bobPeer := th.agent("bob")
	th.customer("S1", "203.0.113.5")

	th.JoinSession(alice, "S1")
	require.Equal(t, []string{"alice"}, registry.Owners("S1"))

	// bob answers every pingCheck, alice has gone silent.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		th.HandleFrame(bob, []byte(`{"type":"heartbeat"}`))
		reaper.Sweep(clock.Now())
	}

	assert.Len(t, bobPeer.ofType(TypePingCheck), 3)
	assert.Equal(t, "heartbeat timeout", alicePeer.closedWith())
	assert.Equal(t, []string{"S1"}, sessionIDs(t, bobPeer.ofType(TypeSessionEnded)))
	assert.Empty(t, registry.Owners("S1"))

	th.JoinSession(bob, "S1")
	assert.Empty(t, bobPeer.ofType(TypeClaimRejected))
	assert.Equal(t, []string{"bob"}, registry.Owners("S1"))

	// The ghost's socket closing afterwards changes nothing.
	th.Unregister(alice)
	assert.Len(t, bobPeer.ofType(TypeSessionEnded), 1)
	assert.Equal(t, []string{"bob"}, registry.Owners("S1"))

	clock.Advance(time.Minute)
	th.HandleFrame(bob, []byte(`{"type":"heartbeat"}`))
	assert.Empty(t, reaper.Sweep(clock.Now()))
	assert.Len(t, bobPeer.ofType(TypeSessionEnded), 1)
}

func TestHeartbeatAndPingCheck(t *testing.T) {
	th := newTestHub(t)
	alice, alicePeer := th.agent("alice")
	_, customerPeer := th.customer("S1", "")

	th.RequestHeartbeats()
	assert.Len(t, alicePeer.ofType(TypePingCheck), 1)
	assert.Empty(t, customerPeer.ofType(TypePingCheck))

	before := th.registry.Snapshot()[0].LastHeartbeat
	require.NotNil(t, before)
	time.Sleep(2 * time.Millisecond)

	th.HandleFrame(alice, []byte(`{"type":"ping"}`))
	assert.Len(t, alicePeer.ofType(TypePong), 1)
	after := th.registry.Snapshot()[0].LastHeartbeat
	require.NotNil(t, after)
	assert.True(t, after.After(*before))
}

func TestHandleFrameDispatchAndMalformed(t *testing.T) {
	th := newTestHub(t)
	alice, _ := th.agent("alice")
	customer, customerPeer := th.customer("S1", "")

	th.HandleFrame(alice, []byte(`not json`))
	th.HandleFrame(alice, []byte(`{"type":"joinSession"}`))
	th.HandleFrame(alice, []byte(`{"type":"mystery","payload":{}}`))
	assert.Empty(t, th.registry.Sessions("alice"))

	th.HandleFrame(alice, []byte(`{"type":"joinSession","payload":{"sessionId":"S1"}}`))
	assert.Equal(t, []string{"S1"}, th.registry.Sessions("alice"))

	th.HandleFrame(alice, []byte(`{"type":"sendMessage","payload":{"sessionId":"S1","user":"Alice","senderRole":"customer","message":"hello"}}`))
	frames := customerPeer.ofType(TypeReceiveMessage)
	require.Len(t, frames, 1)
	// The connection role wins over the claimed sender role.
	assert.Equal(t, "agent", payload[MessagePayload](t, frames[0]).SenderRole)

	th.HandleFrame(customer, []byte(`{"type":"leaveSession","payload":{"sessionId":"S1"}}`))
	assert.Empty(t, th.ActiveCustomerSessions())
}
