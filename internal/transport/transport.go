// Package transport implements the three ways of reaching a tool provider:
// a subprocess speaking newline-delimited JSON-RPC on stdio, a streamable
// HTTP endpoint, and an SSE event stream. All three expose the same
// connect/list/call/close contract and speak MCP-flavoured JSON-RPC 2.0
// (initialize, tools/list, tools/call).
package transport

import (
	"context"
	"fmt"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// Tool describes one capability a provider exposes.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Result is the outcome of one tool call. IsError marks a failure the
// provider reported at the application level; it is surfaced to the LLM as a
// tool result, not raised as a transport error.
type Result struct {
	Content any  `json:"content"`
	IsError bool `json:"isError"`
}

// Transport is the uniform contract over the three transport kinds. A
// Transport is owned by exactly one Connection; implementations document
// their own concurrency contract for CallTool.
type Transport interface {
	// Connect establishes the underlying channel and performs the
	// protocol handshake.
	Connect(ctx context.Context) error

	// ListTools discovers the provider's capabilities. Also used as the
	// health probe.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool performs one request/response cycle for the named tool.
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)

	// Close releases underlying resources. Idempotent.
	Close() error
}

// New builds the transport for cfg, resolving ${VAR} placeholders in its
// connection parameters at this point and never earlier, so resolved secrets
// only ever live in memory.
func New(cfg provider.Config, resolver *envsubst.Resolver) (Transport, error) {
	if resolver == nil {
		resolver = envsubst.New()
	}
	switch cfg.Transport {
	case provider.TransportStdio:
		return newStdioTransport(cfg, resolver), nil
	case provider.TransportStreamableHTTP:
		return newStreamableHTTPTransport(cfg, resolver), nil
	case provider.TransportSSE:
		return newSSETransport(cfg, resolver), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}
