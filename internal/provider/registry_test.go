package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.json")
	reg, err := NewRegistry(NewFileStore(path))
	require.NoError(t, err)
	return reg, path
}

func strPtr(s string) *string { return &s }

func TestAddListReadAfterWrite(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Add(Config{ID: "mssql", Transport: TransportStdio, Command: "mssql-mcp", Enabled: true}))
	require.NoError(t, reg.Add(Config{ID: "docs", Transport: TransportStreamableHTTP, URL: "http://localhost:9000/mcp", Enabled: true}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "docs", list[0].ID)
	assert.Equal(t, "mssql", list[1].ID)

	got, err := reg.Get("mssql")
	require.NoError(t, err)
	assert.Equal(t, "mssql-mcp", got.Command)
}

func TestAddInvalidNeverPersisted(t *testing.T) {
	reg, path := newTestRegistry(t)

	err := reg.Add(Config{ID: "bad", Transport: TransportStdio})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = reg.Add(Config{ID: "bad2", Transport: TransportSSE})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	assert.Empty(t, reg.List())
	// nothing was written to disk either
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdateAndRemove(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Add(Config{ID: "docs", Transport: TransportStreamableHTTP, URL: "http://old", Enabled: true}))

	updated, err := reg.Update("docs", Patch{URL: strPtr("http://new")})
	require.NoError(t, err)
	assert.Equal(t, "http://new", updated.URL)

	// invalid patch is rejected and state unchanged
	_, err = reg.Update("docs", Patch{URL: strPtr("")})
	assert.True(t, IsValidationError(err))
	got, _ := reg.Get("docs")
	assert.Equal(t, "http://new", got.URL)

	require.NoError(t, reg.Remove("docs"))
	_, err = reg.Get("docs")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveBuiltinFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.SeedBuiltins([]Config{
		{ID: "mssql", Transport: TransportStdio, Command: "mssql-mcp", Enabled: true},
	}))

	err := reg.Remove("mssql")
	var immutable *ImmutableProviderError
	require.ErrorAs(t, err, &immutable)
	assert.Equal(t, "mssql", immutable.ID)

	// disabling a built-in is allowed
	require.NoError(t, reg.SetEnabled("mssql", false))
	got, _ := reg.Get("mssql")
	assert.False(t, got.Enabled)
}

func TestSeedBuiltinsKeepsPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	store := NewFileStore(path)

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	builtins := []Config{{ID: "mssql", Transport: TransportStdio, Command: "mssql-mcp", Enabled: true}}
	require.NoError(t, reg.SeedBuiltins(builtins))
	require.NoError(t, reg.SetEnabled("mssql", false))

	// a restart re-seeds but the operator's disable survives
	reg2, err := NewRegistry(store)
	require.NoError(t, err)
	require.NoError(t, reg2.SeedBuiltins(builtins))
	got, err := reg2.Get("mssql")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.True(t, got.BuiltIn)
}

func TestMutationsInvalidateConnections(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var invalidated []string
	reg.OnInvalidate(func(id string) { invalidated = append(invalidated, id) })

	require.NoError(t, reg.Add(Config{ID: "docs", Transport: TransportSSE, URL: "http://x", Enabled: true}))
	_, err := reg.Update("docs", Patch{Description: strPtr("docs search")})
	require.NoError(t, err)
	require.NoError(t, reg.SetEnabled("docs", false))
	require.NoError(t, reg.Remove("docs"))

	assert.Equal(t, []string{"docs", "docs", "docs", "docs"}, invalidated)
}

func TestPersistedFileKeepsPlaceholders(t *testing.T) {
	reg, path := newTestRegistry(t)

	require.NoError(t, reg.Add(Config{
		ID:        "docs",
		Transport: TransportStreamableHTTP,
		URL:       "http://localhost:9000/mcp",
		Headers:   map[string]string{"Authorization": "Bearer ${API_KEY}"},
		Enabled:   true,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "${API_KEY}")
	assert.NotContains(t, string(data), "secret123")
}

func TestLoadAssignsIDsFromKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	raw := `{
  "mssql": {"transport": "stdio", "command": "mssql-mcp", "enabled": true},
  "docs": {"url": "http://localhost:9000/mcp", "enabled": true}
}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	reg, err := NewRegistry(NewFileStore(path))
	require.NoError(t, err)

	docs, err := reg.Get("docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", docs.ID)
	assert.Equal(t, TransportStreamableHTTP, docs.Transport)
}
