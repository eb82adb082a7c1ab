package hub

import (
	"encoding/json"
	"log/slog"
)

// Client to server frame types.
const (
	TypeJoinSession    = "joinSession"
	TypeLeaveSession   = "leaveSession"
	TypeSendMessage    = "sendMessage"
	TypeSendTypingText = "sendTypingText"
	TypeHeartbeat      = "heartbeat"
	TypePing           = "ping"
)

// Server to client frame types.
const (
	TypeConnected         = "connected"
	TypeReceiveMessage    = "receiveMessage"
	TypeReceiveTypingText = "receiveTypingText"
	TypeNewSessionStarted = "newSessionStarted"
	TypeSessionEnded      = "sessionEnded"
	TypePingCheck         = "pingCheck"
	TypeClaimRejected     = "claimRejected"
	TypePong              = "pong"
)

// Frame is the envelope of every WebSocket text message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionPayload names a session.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// MessagePayload is used by both sendMessage and receiveMessage.
type MessagePayload struct {
	SessionID  string `json:"sessionId"`
	User       string `json:"user"`
	SenderRole string `json:"senderRole"`
	Message    string `json:"message"`
}

// TypingPayload is used by both sendTypingText and receiveTypingText.
type TypingPayload struct {
	SessionID string `json:"sessionId"`
	User      string `json:"user"`
	Text      string `json:"text"`
}

// NewSessionPayload announces an unowned session to agents.
type NewSessionPayload struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
	IPAddress string `json:"ipAddress"`
}

// ClaimRejectedPayload tells an agent who already handles a session.
type ClaimRejectedPayload struct {
	SessionID string `json:"sessionId"`
	Agent     string `json:"agent"`
}

// ConnectedPayload carries the server-assigned connection id.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

func encodeFrame(frameType string, payload interface{}) []byte {
	frame := struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}{Type: frameType, Payload: payload}
	if frame.Payload == nil {
		frame.Payload = struct{}{}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to encode frame", "type", frameType, "error", err)
		return nil
	}
	return data
}
