package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebSocket message types
const (
	MsgPresenceJoin      = "presence:join"
	MsgActivityEvent     = "activity:event"
	MsgActivityBatch     = "activity:batch"
	MsgHeartbeat         = "heartbeat"
	MsgPresenceSnapshot  = "presence:snapshot"
	MsgActivityBroadcast = "activity:broadcast"
	MsgError             = "error"
)

// WSMessage is the envelope for every frame on the realtime channel.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewWSMessage wraps a payload into an envelope. Marshalling failures
// produce an empty payload rather than an error; payloads are our own types.
func NewWSMessage(msgType string, payload interface{}) WSMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return WSMessage{Type: msgType, Payload: data}
}

type PresenceJoin struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	ScopeID     string    `json:"scope_id"`
	Timestamp   time.Time `json:"timestamp"`
}

type Heartbeat struct {
	ScopeID   string    `json:"scope_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackRequest is the REST fallback body used on page unload.
type TrackRequest struct {
	Activities []ActivityEvent `json:"activities"`
}

type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
