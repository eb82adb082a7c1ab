// Package hub coordinates live chat connections: it routes messages between
// customers and agents, tracks session ownership and announces sessions that
// need an agent.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/ashureev/chatdesk/internal/presence"
	"github.com/ashureev/chatdesk/internal/shared"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/ashureev/chatdesk/internal/transcript"
)

const storeLookupTimeout = 2 * time.Second

// Peer is the outbound side of a connection.
type Peer interface {
	// Send queues a frame without blocking. It returns false if the frame was dropped.
	Send(frame []byte) bool
	// Close terminates the connection without blocking.
	Close(reason string)
}

// AssignmentStore is the subset of the repository the hub needs.
type AssignmentStore interface {
	FindAssignment(ctx context.Context, sessionID string) (*domain.Assignment, error)
	UpsertAssignment(ctx context.Context, assignment *domain.Assignment) error
	RemoveAssignment(ctx context.Context, sessionID string) error
}

var _ AssignmentStore = (store.Repository)(nil)

// Client is one identified connection.
type Client struct {
	id       string
	ident    identity.Identity
	peer     Peer
	sessions map[string]struct{} // guarded by Hub.mu
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the identity the connection was opened with.
func (c *Client) Identity() identity.Identity { return c.ident }

type sessionState struct {
	mu           sync.Mutex
	label        string
	origin       string
	customerConn string
	notified     bool
}

// Options configures a Hub.
type Options struct {
	Logger *slog.Logger
	Retry  shared.RetryPolicy
	NewID  func() string
	Now    func() time.Time
}

// Hub holds every live connection and the per-session coordination state.
type Hub struct {
	registry    *presence.Registry
	queue       *transcript.Queue
	assignments AssignmentStore
	logger      *slog.Logger
	retry       shared.RetryPolicy
	newID       func() string
	now         func() time.Time

	mu            sync.RWMutex
	clients       map[string]*Client
	agentConns    map[string]string
	agentsGroup   map[string]struct{}
	sessionGroups map[string]map[string]struct{}
	sessions      map[string]*sessionState

	labelSeq    atomic.Int64
	assignLocks sync.Map
}

// New creates a hub.
func New(registry *presence.Registry, queue *transcript.Queue, assignments AssignmentStore, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = shared.DefaultRetryPolicy
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = registry.Now
	}
	return &Hub{
		registry:      registry,
		queue:         queue,
		assignments:   assignments,
		logger:        opts.Logger.With("component", "hub"),
		retry:         opts.Retry,
		newID:         opts.NewID,
		now:           opts.Now,
		clients:       make(map[string]*Client),
		agentConns:    make(map[string]string),
		agentsGroup:   make(map[string]struct{}),
		sessionGroups: make(map[string]map[string]struct{}),
		sessions:      make(map[string]*sessionState),
	}
}

// Register adds an identified connection to the hub.
func (h *Hub) Register(ident identity.Identity, peer Peer) *Client {
	c := &Client{
		id:       h.newID(),
		ident:    ident,
		peer:     peer,
		sessions: make(map[string]struct{}),
	}

	var replaced *Client
	h.mu.Lock()
	h.clients[c.id] = c
	if ident.IsAgent() {
		if prev, ok := h.agentConns[ident.Username]; ok {
			replaced = h.clients[prev]
		}
		h.agentConns[ident.Username] = c.id
		h.agentsGroup[c.id] = struct{}{}
		h.registry.Connect(ident.Username, c.id, h.now())
	}
	h.mu.Unlock()

	if replaced != nil {
		h.logger.Info("agent connection replaced", "agent", ident.Username, "old_connection", replaced.id, "connection", c.id)
		replaced.peer.Close("session replaced")
	}

	c.peer.Send(encodeFrame(TypeConnected, ConnectedPayload{ConnectionID: c.id}))
	h.logger.Info("connection registered", "connection", c.id, "role", ident.Role, "username", ident.Username, "session_id", ident.SessionID)

	if !ident.IsAgent() && ident.SessionID != "" {
		h.trackCustomer(c, ident.SessionID, true)
	}
	return c
}

// Unregister removes the connection and applies the disconnect rules for its role.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	delete(h.agentsGroup, c.id)
	if h.agentConns[c.ident.Username] == c.id {
		delete(h.agentConns, c.ident.Username)
	}
	joined := make([]string, 0, len(c.sessions))
	for session := range c.sessions {
		joined = append(joined, session)
		h.leaveGroupLocked(c, session)
	}
	h.mu.Unlock()

	h.logger.Info("connection unregistered", "connection", c.id, "role", c.ident.Role, "username", c.ident.Username)

	if c.ident.IsAgent() {
		// A newer connection for the same agent keeps its sessions.
		if sessions, ok := h.registry.DisconnectAndEvict(c.ident.Username, c.id); ok {
			h.notifyOrphans(sessions)
		}
		return
	}

	sort.Strings(joined)
	for _, session := range joined {
		h.releaseCustomer(c, session)
	}
}

// HandleFrame decodes and dispatches one client frame. Malformed frames are
// ignored.
func (h *Hub) HandleFrame(c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.logger.Debug("ignoring malformed frame", "connection", c.id, "error", err)
		return
	}

	switch frame.Type {
	case TypeJoinSession, TypeLeaveSession:
		var p SessionPayload
		if !h.decode(c, frame, &p) {
			return
		}
		if frame.Type == TypeJoinSession {
			h.JoinSession(c, p.SessionID)
		} else {
			h.LeaveSession(c, p.SessionID)
		}
	case TypeSendMessage:
		var p MessagePayload
		if !h.decode(c, frame, &p) {
			return
		}
		h.SendMessage(c, p.SessionID, p.User, p.Message)
	case TypeSendTypingText:
		var p TypingPayload
		if !h.decode(c, frame, &p) {
			return
		}
		h.SendTypingText(c, p.SessionID, p.User, p.Text)
	case TypeHeartbeat:
		h.Heartbeat(c)
	case TypePing:
		h.Heartbeat(c)
		c.peer.Send(encodeFrame(TypePong, nil))
	default:
		h.logger.Debug("ignoring unknown frame", "connection", c.id, "type", frame.Type)
	}
}

func (h *Hub) decode(c *Client, frame Frame, v interface{}) bool {
	if len(frame.Payload) == 0 {
		h.logger.Debug("ignoring frame without payload", "connection", c.id, "type", frame.Type)
		return false
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		h.logger.Debug("ignoring malformed payload", "connection", c.id, "type", frame.Type, "error", err)
		return false
	}
	return true
}

// JoinSession adds the connection to the session group. Agents also try to
// claim the session; a live competing owner leaves them as observers.
func (h *Hub) JoinSession(c *Client, session string) {
	if !identity.ValidSessionID(session) {
		h.logger.Debug("ignoring join with invalid session", "connection", c.id)
		return
	}

	h.mu.Lock()
	h.joinGroupLocked(c, session)
	h.mu.Unlock()

	if !c.ident.IsAgent() {
		h.trackCustomer(c, session, true)
		return
	}

	owner, ok := h.registry.ClaimIfUnowned(c.ident.Username, session)
	if ok {
		h.logger.Info("session claimed", "agent", c.ident.Username, "session_id", session)
		return
	}
	if owner != "" {
		h.logger.Info("session claim rejected", "agent", c.ident.Username, "owner", owner, "session_id", session)
		c.peer.Send(encodeFrame(TypeClaimRejected, ClaimRejectedPayload{SessionID: session, Agent: owner}))
	}
}

// LeaveSession removes the connection from the session group. An agent also
// releases ownership.
func (h *Hub) LeaveSession(c *Client, session string) {
	h.mu.Lock()
	h.leaveGroupLocked(c, session)
	h.mu.Unlock()

	if !c.ident.IsAgent() {
		h.releaseCustomer(c, session)
		return
	}

	owned := false
	for _, owner := range h.registry.Owners(session) {
		if owner == c.ident.Username {
			owned = true
			break
		}
	}
	if !owned {
		return
	}
	h.registry.Release(c.ident.Username, session)
	h.notifyOrphans([]string{session})
}

// SendMessage persists and broadcasts a chat line to the session group.
func (h *Hub) SendMessage(c *Client, session, displayName, body string) {
	session = strings.TrimSpace(session)
	if session == "" || strings.TrimSpace(body) == "" {
		return
	}
	if !identity.ValidSessionID(session) {
		h.logger.Debug("ignoring message for invalid session", "connection", c.id)
		return
	}

	role := c.ident.Role
	if role == domain.RoleCustomer {
		h.trackCustomer(c, session, false)
	}

	state := h.session(session)
	state.mu.Lock()
	defer state.mu.Unlock()

	if role == domain.RoleCustomer && state.origin == "" {
		state.origin = c.ident.Origin
	}

	user := strings.TrimSpace(displayName)
	if user == "" {
		user = c.ident.Username
	}
	if user == "" {
		user = state.label
	}

	msg := &domain.ChatMessage{
		SessionID:  session,
		SenderRole: role,
		User:       user,
		Message:    body,
		SentAt:     h.now().UTC(),
		IPAddress:  state.origin,
	}
	if !h.queue.Enqueue(msg) {
		h.logger.Warn("transcript queue closed, message not persisted", "session_id", session)
	}

	h.broadcast(h.sessionMembers(session, ""), encodeFrame(TypeReceiveMessage, MessagePayload{
		SessionID:  session,
		User:       user,
		SenderRole: string(role),
		Message:    body,
	}))

	if msg.IsSessionStart() {
		h.notifyOnceLocked(session, state)
	}
}

// SendTypingText relays a typing preview to everyone in the session except
// the sender, plus the agents owning it.
func (h *Hub) SendTypingText(c *Client, session, displayName, text string) {
	if !identity.ValidSessionID(session) {
		return
	}

	targets := make(map[string]Peer)
	for id, p := range h.sessionMembers(session, c.id) {
		targets[id] = p
	}

	h.mu.RLock()
	for _, owner := range h.registry.Owners(session) {
		if connID, ok := h.agentConns[owner]; ok && connID != c.id {
			if oc, ok := h.clients[connID]; ok {
				targets[connID] = oc.peer
			}
		}
	}
	h.mu.RUnlock()

	user := strings.TrimSpace(displayName)
	if user == "" {
		user = c.ident.Username
	}
	h.broadcast(targets, encodeFrame(TypeReceiveTypingText, TypingPayload{SessionID: session, User: user, Text: text}))
}

// Heartbeat records a liveness signal for agent connections.
func (h *Hub) Heartbeat(c *Client) {
	if !c.ident.IsAgent() {
		return
	}
	h.mu.RLock()
	current := h.agentConns[c.ident.Username] == c.id
	h.mu.RUnlock()
	if !current {
		return
	}
	h.registry.Heartbeat(c.ident.Username, h.now())
}

// RequestHeartbeats asks every agent connection to report liveness.
func (h *Hub) RequestHeartbeats() {
	h.broadcast(h.agentMembers(), encodeFrame(TypePingCheck, nil))
}

// EvictGhost closes the lingering connection of an evicted agent and
// announces the sessions it left without an owner.
func (h *Hub) EvictGhost(agent string, sessions []string) {
	h.mu.Lock()
	var ghost *Client
	if connID, ok := h.agentConns[agent]; ok {
		ghost = h.clients[connID]
		delete(h.agentConns, agent)
	}
	h.mu.Unlock()

	if ghost != nil {
		h.logger.Info("closing ghost agent connection", "agent", agent, "connection", ghost.id)
		ghost.peer.Close("heartbeat timeout")
	}
	h.notifyOrphans(sessions)
}

// ActiveCustomerSessions returns sessions that currently have a connected customer.
func (h *Hub) ActiveCustomerSessions() []string {
	h.mu.RLock()
	states := make(map[string]*sessionState, len(h.sessions))
	for id, s := range h.sessions {
		states[id] = s
	}
	h.mu.RUnlock()

	active := make([]string, 0, len(states))
	for id, s := range states {
		s.mu.Lock()
		if s.customerConn != "" {
			active = append(active, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(active)
	return active
}

// SessionLabel returns the display label of an active session.
func (h *Hub) SessionLabel(session string) (string, bool) {
	h.mu.RLock()
	s, ok := h.sessions[session]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label, s.label != ""
}

// trackCustomer records c as the customer connection of session. On the
// session's first observed activity it assigns a label and, when announce is
// set, runs the notify-once check.
func (h *Hub) trackCustomer(c *Client, session string, announce bool) {
	h.mu.Lock()
	h.joinGroupLocked(c, session)
	h.mu.Unlock()

	state := h.session(session)
	state.mu.Lock()
	defer state.mu.Unlock()

	if announce || state.customerConn == "" {
		state.customerConn = c.id
	}
	if state.label == "" {
		state.label = fmt.Sprintf("User %d", h.labelSeq.Add(1))
	}
	if state.origin == "" {
		state.origin = c.ident.Origin
	}
	if announce {
		h.notifyOnceLocked(session, state)
	}
}

// releaseCustomer resets the session when c was its tracked customer connection.
func (h *Hub) releaseCustomer(c *Client, session string) {
	h.mu.RLock()
	state, ok := h.sessions[session]
	h.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	if state.customerConn != c.id {
		state.mu.Unlock()
		return
	}
	state.customerConn = ""
	state.origin = ""
	state.label = ""
	state.notified = false
	state.mu.Unlock()

	h.logger.Info("customer left session", "session_id", session, "connection", c.id)
	h.broadcast(h.agentMembers(), encodeFrame(TypeSessionEnded, SessionPayload{SessionID: session}))
}

// notifyOnceLocked announces session to agents the first time it runs for
// the session, unless an agent already handles it. Caller holds state.mu.
func (h *Hub) notifyOnceLocked(session string, state *sessionState) {
	if state.notified {
		return
	}
	state.notified = true

	if h.isOwned(session) {
		return
	}

	h.logger.Info("announcing new session", "session_id", session, "label", state.label)
	h.broadcast(h.agentMembers(), encodeFrame(TypeNewSessionStarted, NewSessionPayload{
		SessionID: session,
		Label:     state.label,
		IPAddress: state.origin,
	}))
}

// isOwned reports whether the registry has an owner or the durable record
// names an agent that is live. Store errors count as no durable owner.
func (h *Hub) isOwned(session string) bool {
	if _, ok := h.registry.OwnerOf(session); ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeLookupTimeout)
	defer cancel()

	rec, err := h.assignments.FindAssignment(ctx, session)
	if err != nil {
		h.logger.Warn("assignment lookup failed, treating session as unowned", "session_id", session, "error", err)
		return false
	}
	return rec != nil && h.registry.IsLive(rec.AgentName)
}

// notifyOrphans emits sessionEnded for every session no agent owns anymore.
func (h *Hub) notifyOrphans(sessions []string) {
	if len(sessions) == 0 {
		return
	}
	agents := h.agentMembers()
	for _, session := range sessions {
		if len(h.registry.Owners(session)) > 0 {
			continue
		}
		h.logger.Info("session orphaned", "session_id", session)
		h.broadcast(agents, encodeFrame(TypeSessionEnded, SessionPayload{SessionID: session}))
	}
}

func (h *Hub) session(id string) *sessionState {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.sessions[id]; !ok {
		s = &sessionState{}
		h.sessions[id] = s
	}
	return s
}

func (h *Hub) joinGroupLocked(c *Client, session string) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	group, ok := h.sessionGroups[session]
	if !ok {
		group = make(map[string]struct{})
		h.sessionGroups[session] = group
	}
	group[c.id] = struct{}{}
	c.sessions[session] = struct{}{}
}

func (h *Hub) leaveGroupLocked(c *Client, session string) {
	delete(c.sessions, session)
	if group, ok := h.sessionGroups[session]; ok {
		delete(group, c.id)
		if len(group) == 0 {
			delete(h.sessionGroups, session)
		}
	}
}

func (h *Hub) sessionMembers(session, except string) map[string]Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make(map[string]Peer, len(h.sessionGroups[session]))
	for id := range h.sessionGroups[session] {
		if id == except {
			continue
		}
		if c, ok := h.clients[id]; ok {
			members[id] = c.peer
		}
	}
	return members
}

func (h *Hub) agentMembers() map[string]Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make(map[string]Peer, len(h.agentsGroup))
	for id := range h.agentsGroup {
		if c, ok := h.clients[id]; ok {
			members[id] = c.peer
		}
	}
	return members
}

func (h *Hub) broadcast(targets map[string]Peer, frame []byte) {
	if frame == nil {
		return
	}
	for id, p := range targets {
		if !p.Send(frame) {
			h.logger.Warn("dropped frame for slow connection", "connection", id)
		}
	}
}
