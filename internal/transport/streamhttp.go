package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// streamableHTTPTransport POSTs each JSON-RPC request to the provider's URL.
// The response body is either a plain JSON-RPC response or a short SSE
// stream carrying one; both shapes are accepted. Requests are independent
// HTTP exchanges, so concurrent calls are safe without serialization.
type streamableHTTPTransport struct {
	cfg      provider.Config
	resolver *envsubst.Resolver

	client *http.Client
	nextID atomic.Int64

	mu        sync.Mutex
	url       string
	headers   map[string]string
	sessionID string
}

func newStreamableHTTPTransport(cfg provider.Config, resolver *envsubst.Resolver) *streamableHTTPTransport {
	return &streamableHTTPTransport{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Connect resolves placeholders and performs the initialize handshake. The
// session id the server assigns, if any, is echoed on subsequent requests.
func (t *streamableHTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.url = strings.TrimSuffix(t.resolver.ExpandString(t.cfg.URL), "/")
	t.headers = t.resolver.ExpandStringMap(t.cfg.Headers)
	t.sessionID = ""
	t.mu.Unlock()

	if _, err := t.roundTrip(ctx, methodInitialize, initializeParams()); err != nil {
		return fmt.Errorf("initialize %s: %w", t.cfg.ID, err)
	}
	// Best effort: some servers require the initialized notification,
	// others answer it with 404. Either way the session is usable.
	t.post(ctx, newNotification(methodInitialized))
	return nil
}

func (t *streamableHTTPTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := t.roundTrip(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(result)
}

func (t *streamableHTTPTransport) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	result, err := t.roundTrip(ctx, methodToolsCall, callParams(name, args))
	if err != nil {
		return nil, err
	}
	return parseCallResult(result)
}

// Close drops pooled connections. There is no per-session server state to
// tear down beyond that.
func (t *streamableHTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *streamableHTTPTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	body, status, header, err := t.post(ctx, newRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("request failed: status=%d body=%s", status, truncate(string(body), 512))
	}

	if sid := header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	var resp rpcResponse
	if strings.Contains(header.Get("Content-Type"), "text/event-stream") {
		resp, err = parseSSEBody(body)
	} else {
		err = json.Unmarshal(body, &resp)
		if err != nil {
			err = fmt.Errorf("decode response: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *streamableHTTPTransport) post(ctx context.Context, msg rpcRequest) ([]byte, int, http.Header, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	url := t.url
	headers := t.headers
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

// parseSSEBody extracts the JSON-RPC response from an SSE-framed body.
func parseSSEBody(body []byte) (rpcResponse, error) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if resp.Result != nil || resp.Error != nil {
			return resp, nil
		}
	}
	return rpcResponse{}, fmt.Errorf("no JSON-RPC response in event stream")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
