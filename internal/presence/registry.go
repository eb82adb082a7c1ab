// Package presence tracks which agents are connected and which customer
// sessions each of them currently owns.
package presence

import (
	"sort"
	"sync"
	"time"
)

type agentEntry struct {
	sessions      map[string]struct{}
	connID        string
	lastHeartbeat time.Time
}

// AgentSnapshot is a point-in-time copy of one registry entry.
type AgentSnapshot struct {
	Agent         string     `json:"agent"`
	Connected     bool       `json:"connected"`
	ConnectionID  string     `json:"connectionId,omitempty"`
	Sessions      []string   `json:"sessions"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for staleness measurements.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry maps agents to their owned sessions, live connection and last
// heartbeat. Every method is individually atomic.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*agentEntry
	evicted map[string]time.Time
	now     func() time.Time
	started time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*agentEntry),
		evicted: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// entryLocked returns the entry for agent, creating it when absent.
// Caller must hold the write lock.
func (r *Registry) entryLocked(agent string) *agentEntry {
	e, ok := r.agents[agent]
	if !ok {
		e = &agentEntry{sessions: make(map[string]struct{})}
		r.agents[agent] = e
	}
	return e
}

// Claim adds session to the agent's owned set. It returns false only when the
// agent was evicted and has not connected again since.
func (r *Registry) Claim(agent, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.evicted[agent]; gone {
		return false
	}
	r.entryLocked(agent).sessions[session] = struct{}{}
	return true
}

// ClaimIfUnowned claims session for agent unless another live agent owns it.
// Owners without a connection lose the session to the claimant. On conflict
// the live owner is returned with ok=false.
func (r *Registry) ClaimIfUnowned(agent, session string) (owner string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.evicted[agent]; gone {
		return "", false
	}

	var stale []string
	for name, e := range r.agents {
		if name == agent {
			continue
		}
		if _, owns := e.sessions[session]; !owns {
			continue
		}
		if e.connID != "" {
			return name, false
		}
		stale = append(stale, name)
	}
	for _, name := range stale {
		delete(r.agents[name].sessions, session)
	}

	r.entryLocked(agent).sessions[session] = struct{}{}
	return agent, true
}

// Release removes session from the agent's owned set.
func (r *Registry) Release(agent, session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agent]; ok {
		delete(e.sessions, session)
	}
}

// ReleaseAll removes session from every owner and returns who held it.
func (r *Registry) ReleaseAll(session string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for name, e := range r.agents {
		if _, ok := e.sessions[session]; ok {
			delete(e.sessions, session)
			released = append(released, name)
		}
	}
	sort.Strings(released)
	return released
}

// Evict removes the agent entry and returns the sessions it owned. Until the
// agent connects again, Claim on that identity is a no-op.
func (r *Registry) Evict(agent string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(agent)
}

// EvictIfStale evicts the agent only if its last heartbeat is older than
// timeout at now.
func (r *Registry) EvictIfStale(agent string, now time.Time, timeout time.Duration) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agent]
	if !ok || !r.isStale(e, now, timeout) {
		return nil, false
	}
	return r.evictLocked(agent), true
}

func (r *Registry) evictLocked(agent string) []string {
	r.evicted[agent] = r.now()
	e, ok := r.agents[agent]
	if !ok {
		return nil
	}
	delete(r.agents, agent)
	return sortedKeys(e.sessions)
}

// OwnerOf returns an owner of session, preferring a live one.
func (r *Registry) OwnerOf(session string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner := ""
	for _, name := range r.agentNamesLocked() {
		e := r.agents[name]
		if _, ok := e.sessions[session]; !ok {
			continue
		}
		if e.connID != "" {
			return name, true
		}
		if owner == "" {
			owner = name
		}
	}
	return owner, owner != ""
}

// Owners returns every agent that owns session.
func (r *Registry) Owners(session string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var owners []string
	for name, e := range r.agents {
		if _, ok := e.sessions[session]; ok {
			owners = append(owners, name)
		}
	}
	sort.Strings(owners)
	return owners
}

// Sessions returns the sessions owned by agent.
func (r *Registry) Sessions(agent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agent]; ok {
		return sortedKeys(e.sessions)
	}
	return nil
}

// Connect records the live connection for agent, clears any eviction and
// counts as a heartbeat. It returns the connection it replaced, if any.
func (r *Registry) Connect(agent, connID string, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.evicted, agent)
	e := r.entryLocked(agent)
	previous := e.connID
	e.connID = connID
	e.lastHeartbeat = now
	if previous == connID {
		return ""
	}
	return previous
}

// Disconnect clears the agent's connection if it is still connID.
func (r *Registry) Disconnect(agent, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agent]
	if !ok || e.connID == "" || e.connID != connID {
		return false
	}
	e.connID = ""
	return true
}

// DisconnectAndEvict clears the agent's connection and evicts it in one
// step, but only if connID is still the agent's connection. A reconnect that
// already replaced connID leaves the agent untouched.
func (r *Registry) DisconnectAndEvict(agent, connID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agent]
	if !ok || e.connID == "" || e.connID != connID {
		return nil, false
	}
	return r.evictLocked(agent), true
}

// PruneEvicted forgets evictions recorded before cutoff and returns how many
// were dropped. A pruned agent is treated like one never seen.
func (r *Registry) PruneEvicted(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for agent, at := range r.evicted {
		if at.Before(cutoff) {
			delete(r.evicted, agent)
			pruned++
		}
	}
	return pruned
}

// Evicted returns the agents currently blocked from claiming.
func (r *Registry) Evicted() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.evicted))
	for name := range r.evicted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectionOf returns the agent's live connection id.
func (r *Registry) ConnectionOf(agent string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agent]; ok && e.connID != "" {
		return e.connID, true
	}
	return "", false
}

// IsLive reports whether agent has a connection.
func (r *Registry) IsLive(agent string) bool {
	_, ok := r.ConnectionOf(agent)
	return ok
}

// Heartbeat records a liveness signal. Unknown agents are ignored.
func (r *Registry) Heartbeat(agent string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agent]
	if !ok {
		return false
	}
	e.lastHeartbeat = now
	return true
}

// Stale returns agents whose last heartbeat is older than timeout. Agents
// that never reported are measured from when the registry was created.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for name, e := range r.agents {
		if r.isStale(e, now, timeout) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}

func (r *Registry) isStale(e *agentEntry, now time.Time, timeout time.Duration) bool {
	last := e.lastHeartbeat
	if last.IsZero() {
		last = r.started
	}
	return now.Sub(last) > timeout
}

// Agents returns every registered agent name.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentNamesLocked()
}

// Snapshot copies the registry state.
func (r *Registry) Snapshot() []AgentSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentSnapshot, 0, len(r.agents))
	for _, name := range r.agentNamesLocked() {
		e := r.agents[name]
		snap := AgentSnapshot{
			Agent:        name,
			Connected:    e.connID != "",
			ConnectionID: e.connID,
			Sessions:     sortedKeys(e.sessions),
		}
		if !e.lastHeartbeat.IsZero() {
			hb := e.lastHeartbeat
			snap.LastHeartbeat = &hb
		}
		out = append(out, snap)
	}
	return out
}

func (r *Registry) agentNamesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
