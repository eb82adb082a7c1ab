package domain

import "time"

// Assignment is the durable record of which agent handles a session.
// It survives restarts; liveness of the named agent is decided in memory.
type Assignment struct {
	SessionID         string    `json:"sessionId"`
	AgentName         string    `json:"agentName"`
	AgentConnectionID string    `json:"agentConnectionId,omitempty"`
	AssignedAt        time.Time `json:"assignedAt"`
}

// SessionSummary is the read model returned by the session list endpoints.
type SessionSummary struct {
	SessionID     string     `json:"sessionId"`
	AssignedAgent *string    `json:"assignedAgent"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	Label         string     `json:"label"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}
