// Package wire defines the JSON message shapes exchanged with the remote
// service over the socket connection.
package wire

import "encoding/json"

// MessageType is the required discriminator on every socket message.
type MessageType string

const (
	TypeSessionUpdate MessageType = "session_update"
	TypeHealthStatus  MessageType = "health_status"
	TypeBroadcast     MessageType = "broadcast"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

// Envelope is the outer shape of every socket message.
type Envelope struct {
	// Type discriminates the payload.
	Type MessageType `json:"type"`
	// Channel is the logical endpoint the message belongs to, when any.
	Channel string `json:"channel,omitempty"`
	// CorrelationID ties a response to its request.
	CorrelationID string `json:"correlationId,omitempty"`
	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PingPayload is the heartbeat request body.
type PingPayload struct {
	// Time is a wall-clock timestamp in milliseconds since epoch.
	Time int64 `json:"time"`
}

// SessionCreateResponse is the ack payload for a session:create call.
type SessionCreateResponse struct {
	SessionID string `json:"sessionId"`
}

// SessionValidateRequest is the payload for a session:validate call after a
// reconnect with a persisted snapshot.
type SessionValidateRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionValidateResponse is the ack payload for session:validate.
type SessionValidateResponse struct {
	Valid bool `json:"valid"`
}

// InvokeRequest is the body of an invoke call sent to the remote service.
type InvokeRequest struct {
	Channel       string          `json:"channel"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// InvokeResponse is the ack payload for an invoke call.
type InvokeResponse struct {
	OK     bool            `json:"ok"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ParseAck decodes a Socket.IO ack payload into out. A missing or null
// payload is reported as ok=false without an error so callers can decide how
// strict to be.
func ParseAck(raw map[string]any, out any) (ok bool, err error) {
	if raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}
