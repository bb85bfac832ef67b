// Package llm abstracts the chat model behind a small client interface so
// the agent loop does not depend on a vendor SDK directly.
package llm

import (
	"context"
)

// Message is one chat message. Role is "system", "user", "assistant" or
// "tool"; tool messages answer a specific assistant tool call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the model's request to invoke a tool. Arguments arrive as a
// JSON string and are decoded by the agent before dispatch.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool declares one callable function to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a tool declaration. Parameters is a
// JSON Schema object.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FunctionTool wraps a function declaration in the envelope the chat API
// expects.
func FunctionTool(name, description string, parameters map[string]any) Tool {
	return Tool{Type: "function", Function: ToolFunction{Name: name, Description: description, Parameters: parameters}}
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a complete, non-streamed answer.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// StreamChunk is one increment of a streamed answer. Content chunks arrive
// first; the final chunk has Done set and carries any accumulated tool
// calls. Error is set instead when the stream broke.
type StreamChunk struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done"`
	Error     error      `json:"-"`
}

// Client is a chat model.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream starts a streamed completion. The returned
	// channel is closed after the Done (or Error) chunk.
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Config selects and configures the model backend.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// NewClient builds a client for the configured provider. Anything
// OpenAI-compatible (which in practice is everything we point this at)
// goes through the OpenAI client.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg)
	default:
		return NewOpenAIClient(cfg)
	}
}
