// Package agent runs one conversation turn: it streams the model's answer,
// dispatches the tool calls the model asks for, feeds results back, and
// repeats until the model answers in plain text.
package agent

// EventType labels a turn event.
type EventType string

const (
	// EventToken is one streamed fragment of assistant text.
	EventToken EventType = "token"

	EventToolCallStarted EventType = "tool_call_started"
	EventToolCallResult  EventType = "tool_call_result"
)

// ToolCallInfo describes a tool invocation in progress or finished.
type ToolCallInfo struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Provider  string `json:"provider"`
	Arguments string `json:"arguments,omitempty"`
	Result    any    `json:"result,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Event is one observable step of a running turn.
type Event struct {
	Type     EventType     `json:"type"`
	Content  string        `json:"content,omitempty"`
	ToolCall *ToolCallInfo `json:"toolCall,omitempty"`
}
