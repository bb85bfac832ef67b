// Package gateway exposes conversations over a websocket. Each connection
// serves one conversation; client turns come in as user_turn messages and
// the agent's progress streams back as ordered envelopes.
package gateway

import (
	"encoding/json"
)

// Inbound message types.
const (
	// TypeUserTurn starts a turn with the user's message.
	TypeUserTurn = "user_turn"

	// TypeCancel aborts the running turn.
	TypeCancel = "cancel"
)

// Outbound message types.
const (
	TypeToken           = "token"
	TypeToolCallStarted = "tool_call_started"
	TypeToolCallResult  = "tool_call_result"

	// TypeTurnComplete, TypeTurnCancelled and TypeError are terminal:
	// exactly one of them ends every started turn.
	TypeTurnComplete  = "turn_complete"
	TypeTurnCancelled = "turn_cancelled"
	TypeError         = "error"

	TypeHeartbeat = "heartbeat"
)

// StreamMessage is the envelope for every message in both directions. Seq
// increases by one per outbound message on a connection, so the client can
// detect gaps; inbound messages leave it zero.
type StreamMessage struct {
	ConversationID string          `json:"conversationId"`
	Seq            int64           `json:"seq,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// UserTurnPayload is the payload of a user_turn message. A non-nil
// SelectedProviderIDs overrides the conversation's stored selection for this
// turn only.
type UserTurnPayload struct {
	Content             string   `json:"content"`
	SelectedProviderIDs []string `json:"selectedProviderIds,omitempty"`
}

// TokenPayload carries one streamed text fragment.
type TokenPayload struct {
	Content string `json:"content"`
}

// ErrorPayload carries a terminal error description. Retryable tells the
// client whether resending the same turn has a chance of succeeding.
type ErrorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func mustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
