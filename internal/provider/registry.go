package provider

import (
	"log"
	"sort"
	"sync"
)

// InvalidateFunc is notified after a provider's config changes so cached
// connections can be marked stale. It must not block: in-flight conversations
// keep using the old connection until they next reconnect.
type InvalidateFunc func(providerID string)

// Registry is the durable store of provider configurations. All mutations
// persist synchronously before returning, under a single-writer lock, so a
// crash immediately after a successful call never loses the change.
type Registry struct {
	mu           sync.RWMutex
	store        Store
	configs      map[string]Config
	onInvalidate InvalidateFunc
}

// NewRegistry loads the registry from the store.
func NewRegistry(store Store) (*Registry, error) {
	configs, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Registry{store: store, configs: configs}, nil
}

// OnInvalidate registers the connection-invalidation hook. Called by the
// supervisor at wiring time.
func (r *Registry) OnInvalidate(fn InvalidateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInvalidate = fn
}

// SeedBuiltins registers built-in providers that are absent from the store.
// Existing entries keep their persisted state (a disabled built-in stays
// disabled) but are re-marked as built-in.
func (r *Registry) SeedBuiltins(builtins []Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, b := range builtins {
		b.BuiltIn = true
		b.Normalize()
		if existing, ok := r.configs[b.ID]; ok {
			if !existing.BuiltIn {
				existing.BuiltIn = true
				r.configs[b.ID] = existing
				changed = true
			}
			continue
		}
		if err := b.Validate(); err != nil {
			return err
		}
		r.configs[b.ID] = b
		changed = true
	}
	if !changed {
		return nil
	}
	return r.store.Save(r.configs)
}

// List returns all configs sorted by id.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the config for id or ErrNotFound.
func (r *Registry) Get(id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg.Clone(), nil
}

// Add validates and persists a new provider. Adding over an existing id is a
// validation error; use Update for that.
func (r *Registry) Add(cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.ID]; exists {
		return &ValidationError{Field: "id", Reason: "already exists: " + cfg.ID}
	}

	next := r.snapshot()
	next[cfg.ID] = cfg
	if err := r.store.Save(next); err != nil {
		return err
	}
	r.configs = next
	r.invalidate(cfg.ID)
	return nil
}

// Update applies a patch to an existing provider, re-validates, and persists.
func (r *Registry) Update(id string, patch Patch) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}

	updated := patch.apply(current.Clone())
	updated.ID = id
	updated.BuiltIn = current.BuiltIn
	updated.Normalize()
	if err := updated.Validate(); err != nil {
		return Config{}, err
	}

	next := r.snapshot()
	next[id] = updated
	if err := r.store.Save(next); err != nil {
		return Config{}, err
	}
	r.configs = next
	r.invalidate(id)
	return updated.Clone(), nil
}

// Remove deletes a provider. Built-in providers cannot be removed, only
// disabled.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[id]
	if !ok {
		return ErrNotFound
	}
	if cfg.BuiltIn {
		return &ImmutableProviderError{ID: id}
	}

	next := r.snapshot()
	delete(next, id)
	if err := r.store.Save(next); err != nil {
		return err
	}
	r.configs = next
	r.invalidate(id)
	return nil
}

// SetEnabled toggles a provider. Disabling does not close an already-open
// connection mid-conversation; it only prevents new conversations from
// selecting the provider and marks the cached connection stale.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[id]
	if !ok {
		return ErrNotFound
	}
	if cfg.Enabled == enabled {
		return nil
	}
	cfg.Enabled = enabled

	next := r.snapshot()
	next[id] = cfg
	if err := r.store.Save(next); err != nil {
		return err
	}
	r.configs = next
	r.invalidate(id)
	return nil
}

// Reload re-reads the backing store, replacing in-memory state. Every id
// whose config changed is invalidated.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh, err := r.store.Load()
	if err != nil {
		return err
	}

	for id := range r.configs {
		if _, still := fresh[id]; !still {
			r.invalidate(id)
		}
	}
	for id := range fresh {
		r.invalidate(id)
	}
	r.configs = fresh
	log.Printf("[Registry] Reloaded %d provider(s)", len(fresh))
	return nil
}

func (r *Registry) snapshot() map[string]Config {
	next := make(map[string]Config, len(r.configs))
	for id, cfg := range r.configs {
		next[id] = cfg
	}
	return next
}

func (r *Registry) invalidate(id string) {
	if r.onInvalidate != nil {
		r.onInvalidate(id)
	}
}
