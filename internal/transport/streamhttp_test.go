package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// fakeStreamableServer answers MCP JSON-RPC over plain JSON bodies and
// records the headers it saw.
func fakeStreamableServer(t *testing.T, tools []Tool, seen *[]http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = append(*seen, r.Header.Clone())
		}

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.ID == nil { // notification
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case methodInitialize:
			w.Header().Set("Mcp-Session-Id", "sess-42")
			writeRPCResult(w, *req.ID, map[string]any{"protocolVersion": protocolVersion})
		case methodToolsList:
			writeRPCResult(w, *req.ID, map[string]any{"tools": tools})
		case methodToolsCall:
			writeRPCResult(w, *req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "3 rows"}},
				"isError": false,
			})
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID)
		}
	}))
}

func writeRPCResult(w http.ResponseWriter, id int64, result any) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func TestStreamableHTTPRoundTrip(t *testing.T) {
	var seen []http.Header
	srv := fakeStreamableServer(t, []Tool{{Name: "query", Description: "run a query"}}, &seen)
	defer srv.Close()

	tr, err := New(provider.Config{
		ID:        "docs",
		Transport: provider.TransportStreamableHTTP,
		URL:       srv.URL,
	}, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	tools, err := tr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "query", tools[0].Name)

	res, err := tr.CallTool(ctx, "query", map[string]any{"sql": "select 1"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "3 rows", res.Content)

	// session id from initialize is echoed on later requests
	last := seen[len(seen)-1]
	assert.Equal(t, "sess-42", last.Get("Mcp-Session-Id"))
}

func TestStreamableHTTPResolvesHeaderPlaceholders(t *testing.T) {
	var seen []http.Header
	srv := fakeStreamableServer(t, nil, &seen)
	defer srv.Close()

	resolver := envsubst.NewWithLookup(func(name string) (string, bool) {
		if name == "API_KEY" {
			return "secret123", true
		}
		return "", false
	})

	tr, err := New(provider.Config{
		ID:        "docs",
		Transport: provider.TransportStreamableHTTP,
		URL:       srv.URL,
		Headers:   map[string]string{"Authorization": "Bearer ${API_KEY}"},
	}, resolver)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	require.NotEmpty(t, seen)
	assert.Equal(t, "Bearer secret123", seen[0].Get("Authorization"))
}

func TestStreamableHTTPSSEFramedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"tools\":[{\"name\":\"search\"}]}}\n\n", *req.ID)
	}))
	defer srv.Close()

	tr, err := New(provider.Config{ID: "docs", Transport: provider.TransportStreamableHTTP, URL: srv.URL}, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	tools, err := tr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
}

func TestStreamableHTTPProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if req.Method == methodInitialize {
			w.Header().Set("Content-Type", "application/json")
			writeRPCResult(w, *req.ID, map[string]any{})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"table not found"}}`, *req.ID)
	}))
	defer srv.Close()

	tr, err := New(provider.Config{ID: "docs", Transport: provider.TransportStreamableHTTP, URL: srv.URL}, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	_, err = tr.CallTool(ctx, "query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table not found")
}

func TestStreamableHTTPUnreachable(t *testing.T) {
	tr, err := New(provider.Config{
		ID:        "docs",
		Transport: provider.TransportStreamableHTTP,
		URL:       "http://127.0.0.1:1/mcp", // nothing listens here
	}, nil)
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background()))
}
