package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// sseTransport holds a long-lived GET event stream open to the provider and
// POSTs requests to the endpoint the stream announces. Responses arrive as
// events on the shared stream and are matched to their requests by JSON-RPC
// id, so concurrent calls are safe.
type sseTransport struct {
	cfg      provider.Config
	resolver *envsubst.Resolver

	client *http.Client
	nextID atomic.Int64

	mu         sync.Mutex
	headers    map[string]string
	endpoint   string
	pending    *pendingCalls
	cancel     context.CancelFunc
	closed     bool
	endpointCh chan struct{}
}

func newSSETransport(cfg provider.Config, resolver *envsubst.Resolver) *sseTransport {
	return &sseTransport{
		cfg:      cfg,
		resolver: resolver,
		// No client timeout: the event stream stays open for the
		// connection's lifetime. Individual calls are bounded by ctx.
		client: &http.Client{},
	}
}

// Connect opens the event stream, waits for the endpoint announcement, and
// performs the initialize handshake.
func (t *sseTransport) Connect(ctx context.Context) error {
	streamURL := t.resolver.ExpandString(t.cfg.URL)
	headers := t.resolver.ExpandStringMap(t.cfg.Headers)

	// The stream must outlive the connect call.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open event stream: status=%d", resp.StatusCode)
	}

	t.mu.Lock()
	t.headers = headers
	t.endpoint = ""
	t.pending = newPendingCalls()
	t.cancel = cancel
	t.closed = false
	t.endpointCh = make(chan struct{})
	endpointCh := t.endpointCh
	t.mu.Unlock()

	go t.readLoop(resp.Body, streamURL)

	// The server announces where to POST before anything else.
	select {
	case <-endpointCh:
	case <-ctx.Done():
		t.Close()
		return fmt.Errorf("waiting for endpoint event: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		t.Close()
		return fmt.Errorf("provider %s never announced its endpoint", t.cfg.ID)
	}

	if _, err := t.roundTrip(ctx, methodInitialize, initializeParams()); err != nil {
		t.Close()
		return fmt.Errorf("initialize %s: %w", t.cfg.ID, err)
	}
	t.send(ctx, newNotification(methodInitialized))
	return nil
}

func (t *sseTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := t.roundTrip(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(result)
}

func (t *sseTransport) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	result, err := t.roundTrip(ctx, methodToolsCall, callParams(name, args))
	if err != nil {
		return nil, err
	}
	return parseCallResult(result)
}

// Close tears down the event stream. Idempotent.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.pending != nil {
		t.pending.failAll(fmt.Errorf("connection closed"))
	}
	return nil
}

func (t *sseTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("sse transport closed")
	}
	ch := t.pending.add(id)
	t.mu.Unlock()

	if err := t.send(ctx, newRequest(id, method, params)); err != nil {
		t.mu.Lock()
		t.pending.remove(id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		t.pending.remove(id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	}
}

// send POSTs one message to the announced endpoint. The response body is
// discarded: results come back on the event stream.
func (t *sseTransport) send(ctx context.Context, msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	endpoint := t.endpoint
	headers := t.headers
	t.mu.Unlock()
	if endpoint == "" {
		return fmt.Errorf("no endpoint announced yet")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send request: status=%d", resp.StatusCode)
	}
	return nil
}

// readLoop parses the event stream: an "endpoint" event announces the POST
// target, "message" events carry JSON-RPC responses.
func (t *sseTransport) readLoop(body io.ReadCloser, streamURL string) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	event := "message"
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				t.handleEvent(event, data.String(), streamURL)
			}
			event = "message"
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if data.Len() > 0 {
		t.handleEvent(event, data.String(), streamURL)
	}

	t.mu.Lock()
	if !t.closed {
		t.pending.failAll(fmt.Errorf("event stream ended"))
	}
	t.mu.Unlock()
}

func (t *sseTransport) handleEvent(event, data, streamURL string) {
	switch event {
	case "endpoint":
		endpoint := resolveEndpoint(streamURL, data)
		t.mu.Lock()
		first := t.endpoint == ""
		t.endpoint = endpoint
		if first && t.endpointCh != nil {
			close(t.endpointCh)
		}
		t.mu.Unlock()
	case "message", "":
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			log.Printf("[sse %s] skipping malformed event: %v", t.cfg.ID, err)
			return
		}
		t.mu.Lock()
		t.pending.deliver(resp)
		t.mu.Unlock()
	}
}

// resolveEndpoint interprets the announced endpoint relative to the stream
// URL, since servers commonly send a bare path.
func resolveEndpoint(streamURL, endpoint string) string {
	base, err := url.Parse(streamURL)
	if err != nil {
		return endpoint
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return endpoint
	}
	return base.ResolveReference(ref).String()
}
