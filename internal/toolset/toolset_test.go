package toolset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk-ai/datatalk/internal/transport"
)

// fakeManager serves canned tool lists per provider and records invocations.
type fakeManager struct {
	tools map[string][]transport.Tool
	fail  map[string]error

	invoked []invocation
}

type invocation struct {
	providerID string
	tool       string
}

func (m *fakeManager) Acquire(ctx context.Context, providerID string) ([]transport.Tool, error) {
	if err, ok := m.fail[providerID]; ok {
		return nil, err
	}
	tools, ok := m.tools[providerID]
	if !ok {
		return nil, errors.New("unknown provider")
	}
	return tools, nil
}

func (m *fakeManager) Invoke(ctx context.Context, providerID, toolName string, args map[string]any) (*transport.Result, error) {
	m.invoked = append(m.invoked, invocation{providerID: providerID, tool: toolName})
	return &transport.Result{Content: providerID + ":" + toolName}, nil
}

func TestBuildMergesProviders(t *testing.T) {
	mgr := &fakeManager{tools: map[string][]transport.Tool{
		"mssql": {{Name: "query"}, {Name: "schema"}},
		"docs":  {{Name: "lookup"}},
	}}

	ns := NewBuilder(mgr).Build(context.Background(), []string{"mssql", "docs"})
	require.Empty(t, ns.Unavailable)

	tools := ns.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "docs", tools[0].ProviderID)
	assert.Equal(t, "lookup", tools[0].Tool.Name)
	assert.Equal(t, "query", tools[1].Tool.Name)
	assert.Equal(t, "schema", tools[2].Tool.Name)
}

func TestBuildSkipsUnavailableProvider(t *testing.T) {
	mgr := &fakeManager{
		tools: map[string][]transport.Tool{
			"mssql": {{Name: "query"}},
		},
		fail: map[string]error{"docs": errors.New("connection refused")},
	}

	ns := NewBuilder(mgr).Build(context.Background(), []string{"mssql", "docs"})
	assert.Equal(t, []string{"docs"}, ns.Unavailable)

	// the turn proceeds with the providers that did come up
	tools := ns.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "mssql", tools[0].ProviderID)
}

func TestBareNameCollisionLastProviderWins(t *testing.T) {
	mgr := &fakeManager{tools: map[string][]transport.Tool{
		"b": {{Name: "search", Description: "b search"}},
		"a": {{Name: "search", Description: "a search"}},
	}}

	ns := NewBuilder(mgr).Build(context.Background(), []string{"b", "a"})

	binding, ok := ns.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "a", binding.ProviderID)

	// both remain reachable under their qualified names
	bBinding, ok := ns.Resolve("b.search")
	require.True(t, ok)
	assert.Equal(t, "b", bBinding.ProviderID)
	aBinding, ok := ns.Resolve("a.search")
	require.True(t, ok)
	assert.Equal(t, "a", aBinding.ProviderID)
}

func TestInvokeRoutesByQualifiedName(t *testing.T) {
	mgr := &fakeManager{tools: map[string][]transport.Tool{
		"mssql": {{Name: "query"}},
		"docs":  {{Name: "lookup"}},
	}}

	ns := NewBuilder(mgr).Build(context.Background(), []string{"mssql", "docs"})

	res, err := ns.Invoke(context.Background(), "docs.lookup", map[string]any{"q": "indexes"})
	require.NoError(t, err)
	assert.Equal(t, "docs:lookup", res.Content)
	require.Len(t, mgr.invoked, 1)
	assert.Equal(t, invocation{providerID: "docs", tool: "lookup"}, mgr.invoked[0])
}

func TestInvokeUnknownTool(t *testing.T) {
	mgr := &fakeManager{tools: map[string][]transport.Tool{}}
	ns := NewBuilder(mgr).Build(context.Background(), nil)

	_, err := ns.Invoke(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestQualify(t *testing.T) {
	assert.Equal(t, "mssql.query", Qualify("mssql", "query"))
}
