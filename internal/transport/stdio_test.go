package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk-ai/datatalk/internal/envsubst"
	"github.com/datatalk-ai/datatalk/internal/provider"
)

// fakeProviderScript is a minimal stdio JSON-RPC provider: it answers each
// request line with a canned response keyed off the method. Request ids from
// this package are sequential starting at 1, which the canned ids mirror.
const fakeProviderScript = `#!/bin/sh
while read line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}' ;;
    *'"method":"tools/list"'*)
      printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"query","description":"run a read-only query ('"$GREETING"')"}]}}' ;;
    *'"method":"tools/call"'*)
      printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"2 rows"}],"isError":false}}' ;;
  esac
done
`

func writeFakeProvider(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-provider.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeProviderScript), 0o755))
	return path
}

func TestStdioRoundTrip(t *testing.T) {
	script := writeFakeProvider(t)

	resolver := envsubst.NewWithLookup(func(name string) (string, bool) {
		if name == "HELLO" {
			return "hello", true
		}
		return "", false
	})

	tr, err := New(provider.Config{
		ID:        "mssql",
		Transport: provider.TransportStdio,
		Command:   "/bin/sh",
		Args:      []string{script},
		Env:       map[string]string{"GREETING": "${HELLO}"},
	}, resolver)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx))

	tools, err := tr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "query", tools[0].Name)
	// env placeholders were resolved before the subprocess was spawned
	assert.Contains(t, tools[0].Description, "(hello)")

	res, err := tr.CallTool(ctx, "query", map[string]any{"sql": "select count(*) from users"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "2 rows", res.Content)
}

func TestStdioConnectBadExecutable(t *testing.T) {
	tr, err := New(provider.Config{
		ID:        "broken",
		Transport: provider.TransportStdio,
		Command:   "/nonexistent/provider-binary",
	}, nil)
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	require.Error(t, err)
}

func TestStdioCallTimeout(t *testing.T) {
	// a provider that never answers tool calls
	script := filepath.Join(t.TempDir(), "silent.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
while read line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{}}' ;;
  esac
done
`), 0o755))

	tr, err := New(provider.Config{
		ID:        "silent",
		Transport: provider.TransportStdio,
		Command:   "/bin/sh",
		Args:      []string{script},
	}, nil)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = tr.CallTool(ctx, "query", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioCloseIdempotent(t *testing.T) {
	script := writeFakeProvider(t)
	tr, err := New(provider.Config{
		ID:        "mssql",
		Transport: provider.TransportStdio,
		Command:   "/bin/sh",
		Args:      []string{script},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Connect(context.Background()))
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	_, err = tr.ListTools(context.Background())
	assert.Error(t, err)
}

func TestParseCallResultShapes(t *testing.T) {
	one, err := parseCallResult([]byte(`{"content":[{"type":"text","text":"hi"}],"isError":false}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", one.Content)

	many, err := parseCallResult([]byte(`{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, many.Content)

	errRes, err := parseCallResult([]byte(`{"content":[{"type":"text","text":"boom"}],"isError":true}`))
	require.NoError(t, err)
	assert.True(t, errRes.IsError)
	assert.Equal(t, "boom", errRes.Content)
}
