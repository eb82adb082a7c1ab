// Package domain contains core domain types for the chat coordinator.
package domain

import (
	"strings"
	"time"
)

// Role identifies which side of a conversation a connection or message belongs to.
type Role string

const (
	// RoleCustomer is an anonymous visitor talking through the widget.
	RoleCustomer Role = "customer"
	// RoleAgent is a support agent identified by username.
	RoleAgent Role = "agent"
)

// SessionStartedMarker is the system line the widget sends when a customer opens a chat.
const SessionStartedMarker = "[System] Chat started"

// ParseRole maps a raw role string to a Role. Anything that is not "agent" is a customer.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleAgent)) {
		return RoleAgent
	}
	return RoleCustomer
}

// ChatMessage is a single transcript line. It is immutable once created.
type ChatMessage struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	SenderRole Role      `json:"senderRole"`
	User       string    `json:"user"`
	Message    string    `json:"message"`
	SentAt     time.Time `json:"sentAt"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

// IsSessionStart reports whether the message is the customer's chat-started marker.
func (m *ChatMessage) IsSessionStart() bool {
	return m.SenderRole == RoleCustomer && strings.Contains(m.Message, SessionStartedMarker)
}
