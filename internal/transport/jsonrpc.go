package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"

	protocolVersion = "2024-11-05"
)

// rpcRequest is a JSON-RPC 2.0 request. A nil ID marks a notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

func newNotification(method string) rpcRequest {
	return rpcRequest{JSONRPC: "2.0", Method: method}
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// rpcError is an error the provider reported at the protocol level. These
// are permanent from the retry policy's point of view: re-sending the same
// request yields the same answer.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("provider error: code=%d message=%s", e.Code, e.Message)
}

// IsProviderError reports whether err is an error the provider itself
// returned at the protocol level, as opposed to a transport failure. The
// distinction matters upstream: provider errors leave the connection
// healthy and are never retried.
func IsProviderError(err error) bool {
	var rpc *rpcError
	return errors.As(err, &rpc)
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "datatalk",
			"version": "1.0",
		},
		"capabilities": map[string]any{},
	}
}

func callParams(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"name":      name,
		"arguments": args,
	}
}

// parseToolsList decodes a tools/list result.
func parseToolsList(result json.RawMessage) ([]Tool, error) {
	var resp struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return resp.Tools, nil
}

// parseCallResult decodes a tools/call result, flattening the content blocks
// to a single value when possible: one text block becomes a string, several
// become a string slice, anything else is passed through.
func parseCallResult(result json.RawMessage) (*Result, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Data any    `json:"data,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}

	var content any
	switch {
	case len(resp.Content) == 1:
		if resp.Content[0].Text != "" {
			content = resp.Content[0].Text
		} else {
			content = resp.Content[0].Data
		}
	case len(resp.Content) > 1:
		texts := make([]string, 0, len(resp.Content))
		for _, c := range resp.Content {
			if c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		if len(texts) > 0 {
			content = texts
		} else {
			content = resp.Content
		}
	}

	return &Result{Content: content, IsError: resp.IsError}, nil
}

// rpcOutcome is what a waiting caller receives: either a decoded response
// or a transport-level failure. Keeping the two apart matters because a
// response carrying an rpcError is a provider answer, while err means the
// stream itself broke.
type rpcOutcome struct {
	resp rpcResponse
	err  error
}

// pendingCalls matches asynchronous responses back to their requests by id.
// Used by the stdio and sse transports, whose responses arrive on a shared
// stream rather than per-request.
type pendingCalls struct {
	calls map[int64]chan rpcOutcome
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan rpcOutcome)}
}

func (p *pendingCalls) add(id int64) chan rpcOutcome {
	ch := make(chan rpcOutcome, 1)
	p.calls[id] = ch
	return ch
}

func (p *pendingCalls) remove(id int64) {
	delete(p.calls, id)
}

func (p *pendingCalls) deliver(resp rpcResponse) {
	if resp.ID == nil {
		return // notification, nothing waiting
	}
	if ch, ok := p.calls[*resp.ID]; ok {
		ch <- rpcOutcome{resp: resp}
		delete(p.calls, *resp.ID)
	}
}

func (p *pendingCalls) failAll(err error) {
	for id, ch := range p.calls {
		ch <- rpcOutcome{err: err}
		delete(p.calls, id)
	}
}
