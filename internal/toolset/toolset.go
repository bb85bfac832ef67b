// Package toolset aggregates the tools of a conversation's selected
// providers into one namespace the model can call into. Tools are exposed
// under qualified names ("provider.tool") and, for convenience, under their
// bare names; when two providers expose the same bare name, the provider
// listed last wins and the shadowing is logged once.
package toolset

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/datatalk-ai/datatalk/internal/transport"
)

// ConnectionManager is the slice of the supervisor the toolset needs.
type ConnectionManager interface {
	Acquire(ctx context.Context, providerID string) ([]transport.Tool, error)
	Invoke(ctx context.Context, providerID, toolName string, args map[string]any) (*transport.Result, error)
}

// Binding ties an exposed tool name to its provider.
type Binding struct {
	ProviderID string
	Tool       transport.Tool
}

// Namespace is the aggregated tool table for one conversation turn. It is
// built once per turn and read-only afterwards, so no locking is needed.
type Namespace struct {
	manager  ConnectionManager
	bindings map[string]Binding

	// Unavailable lists providers that could not be acquired during the
	// build. The conversation proceeds without their tools.
	Unavailable []string
}

// Builder constructs namespaces against a connection manager.
type Builder struct {
	manager ConnectionManager
}

func NewBuilder(manager ConnectionManager) *Builder {
	return &Builder{manager: manager}
}

// Build acquires each selected provider in order and merges its tools. An
// unavailable provider is skipped with one warning; the turn proceeds with
// whatever providers did come up. The bare name of a tool offered by more
// than one provider resolves to the provider listed last.
func (b *Builder) Build(ctx context.Context, providerIDs []string) *Namespace {
	ns := &Namespace{
		manager:  b.manager,
		bindings: make(map[string]Binding),
	}

	for _, id := range providerIDs {
		tools, err := b.manager.Acquire(ctx, id)
		if err != nil {
			log.Printf("[Toolset] Provider %s unavailable, continuing without it: %v", id, err)
			ns.Unavailable = append(ns.Unavailable, id)
			continue
		}

		for _, tool := range tools {
			ns.bindings[Qualify(id, tool.Name)] = Binding{ProviderID: id, Tool: tool}

			if prev, ok := ns.bindings[tool.Name]; ok && prev.ProviderID != id {
				log.Printf("[Toolset] Tool %q from %s shadows the one from %s", tool.Name, id, prev.ProviderID)
			}
			ns.bindings[tool.Name] = Binding{ProviderID: id, Tool: tool}
		}
	}
	return ns
}

// Qualify returns the collision-proof name for a provider's tool.
func Qualify(providerID, toolName string) string {
	return providerID + "." + toolName
}

// Resolve returns the binding for an exposed name.
func (ns *Namespace) Resolve(name string) (Binding, bool) {
	b, ok := ns.bindings[name]
	return b, ok
}

// Tools returns the distinct bindings for declaration to the model, sorted
// by provider then tool name. Bare aliases are collapsed: each provider's
// tool is declared once.
func (ns *Namespace) Tools() []Binding {
	seen := make(map[string]bool)
	out := make([]Binding, 0, len(ns.bindings))
	for _, b := range ns.bindings {
		key := b.ProviderID + "\x00" + b.Tool.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// Invoke routes a call by exposed name to the owning provider.
func (ns *Namespace) Invoke(ctx context.Context, name string, args map[string]any) (*transport.Result, error) {
	binding, ok := ns.bindings[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return ns.manager.Invoke(ctx, binding.ProviderID, binding.Tool.Name, args)
}
