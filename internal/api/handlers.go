package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/datatalk-ai/datatalk/internal/agent"
	"github.com/datatalk-ai/datatalk/internal/auth"
	"github.com/datatalk-ai/datatalk/internal/config"
	"github.com/datatalk-ai/datatalk/internal/gateway"
	"github.com/datatalk-ai/datatalk/internal/history"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/provider"
	"github.com/datatalk-ai/datatalk/internal/resilience"
	"github.com/datatalk-ai/datatalk/internal/store"
	"github.com/datatalk-ai/datatalk/internal/supervisor"
	"github.com/datatalk-ai/datatalk/internal/toolset"
)

// Handlers contains all HTTP handlers and the wiring behind them.
type Handlers struct {
	config       *config.Config
	store        *store.MemoryStore
	registry     *provider.Registry
	supervisor   *supervisor.Supervisor
	history      *history.SQLiteStore
	tokenManager *auth.TokenManager
	gateway      *gateway.Handler
}

// NewHandlers builds the full service graph from config.
func NewHandlers(cfg *config.Config) (*Handlers, error) {
	llmClient, err := llm.NewClient(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
		BaseURL:  cfg.LLMBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	registry, err := provider.NewRegistry(provider.NewFileStore(cfg.ProvidersFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load provider registry: %w", err)
	}
	log.Printf("Provider registry loaded with %d provider(s) from %s", len(registry.List()), cfg.ProvidersFile)

	sup := supervisor.New(registry, supervisor.WithProbeInterval(cfg.HealthProbeInterval))

	policy := resilience.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	executor := resilience.NewExecutor(policy, resilience.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCoolDown))

	// A config change both stales the cached connection and clears the
	// provider's breaker, so the fixed config gets a fresh start.
	registry.OnInvalidate(func(providerID string) {
		sup.Invalidate(providerID)
		executor.Reset(providerID)
	})

	var historyStore *history.SQLiteStore
	if cfg.DataDir != "" {
		historyStore, err = history.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			log.Printf("Warning: durable history disabled: %v", err)
			historyStore = nil
		}
	}

	memStore := store.NewMemoryStore()
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	runner := agent.NewRunner(llmClient, executor)
	builder := toolset.NewBuilder(sup)

	var appender gateway.HistoryAppender
	if historyStore != nil {
		appender = historyStore
	}

	return &Handlers{
		config:       cfg,
		store:        memStore,
		registry:     registry,
		supervisor:   sup,
		history:      historyStore,
		tokenManager: tokenManager,
		gateway:      gateway.NewHandler(runner, builder, memStore, appender, tokenManager),
	}, nil
}

// Supervisor exposes the connection supervisor for lifecycle wiring in main.
func (h *Handlers) Supervisor() *supervisor.Supervisor { return h.supervisor }

// Store exposes the conversation store for the idle reaper in main.
func (h *Handlers) Store() *store.MemoryStore { return h.store }

// History exposes the durable history store, possibly nil.
func (h *Handlers) History() *history.SQLiteStore { return h.history }

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ListConversations lists the caller's conversations.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	conversations := h.store.ListConversations(userID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversations)
}

// CreateConversation creates a conversation with an optional provider
// selection.
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)

	var req struct {
		Title       string   `json:"title"`
		ProviderIDs []string `json:"providerIds"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	for _, id := range req.ProviderIDs {
		if _, err := h.registry.Get(id); err != nil {
			http.Error(w, "Unknown provider: "+id, http.StatusBadRequest)
			return
		}
	}

	conv := h.store.CreateConversation(userID, req.Title, req.ProviderIDs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conv)
}

// GetConversation gets a conversation by id.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv := h.store.GetConversation(chi.URLParam(r, "id"))
	if conv == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conv)
}

// UpdateConversation updates a conversation's title or provider selection.
// A provider change takes effect from the next turn.
func (h *Handlers) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.store.GetConversation(id) == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	var req struct {
		Title       string   `json:"title,omitempty"`
		ProviderIDs []string `json:"providerIds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.store.UpdateConversation(id, req.Title, req.ProviderIDs)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.store.GetConversation(id))
}

// DeleteConversation deletes a conversation and its durable history.
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.store.DeleteConversation(id)
	if h.history != nil {
		if err := h.history.DeleteConversation(id); err != nil {
			log.Printf("Failed to delete history for %s: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionToken issues a streaming token for one conversation.
func (h *Handlers) GetSessionToken(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conv := h.store.GetConversation(conversationID)
	if conv == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if conv.UserID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token, err := h.tokenManager.GenerateSessionToken(userID, conversationID)
	if err != nil {
		http.Error(w, "Failed to generate session token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// GetAdminToken issues a provider-admin token.
func (h *Handlers) GetAdminToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokenManager.GenerateTokenWithScopes(getUserID(r), "", []auth.Scope{auth.ScopeAdminProviders})
	if err != nil {
		http.Error(w, "Failed to generate admin token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// ListProviders lists all registered providers.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.registry.List())
}

// GetProvider returns one provider config.
func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Provider not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// AddProvider registers a new provider.
func (h *Handlers) AddProvider(w http.ResponseWriter, r *http.Request) {
	var cfg provider.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.Add(cfg); err != nil {
		writeRegistryError(w, err)
		return
	}

	added, _ := h.registry.Get(cfg.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(added)
}

// UpdateProvider patches an existing provider.
func (h *Handlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	var patch provider.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.registry.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// RemoveProvider deletes a provider. Built-ins cannot be removed.
func (h *Handlers) RemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(chi.URLParam(r, "id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableProvider enables a provider.
func (h *Handlers) EnableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableProvider disables a provider. Running conversations keep their
// connection; new conversations can no longer select it.
func (h *Handlers) DisableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := h.registry.SetEnabled(id, enabled); err != nil {
		writeRegistryError(w, err)
		return
	}

	cfg, _ := h.registry.Get(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// ProviderStatuses reports the connection state of every registered
// provider. Providers with no live connection show as disconnected.
func (h *Handlers) ProviderStatuses(w http.ResponseWriter, r *http.Request) {
	var statuses []supervisor.Status
	for _, cfg := range h.registry.List() {
		st, _ := h.supervisor.Status(cfg.ID)
		statuses = append(statuses, st)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": statuses,
	})
}

// ProviderTools connects (if needed) and returns a provider's tools.
func (h *Handlers) ProviderTools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tools, err := h.supervisor.Acquire(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider": id,
		"tools":    tools,
	})
}

// Stream hands the connection to the websocket gateway.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	h.gateway.ServeHTTP(w, r)
}

// RequireAdmin wraps provider-mutation routes with admin scope enforcement.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}
		if _, err := h.tokenManager.ValidateTokenWithScope(token, auth.ScopeAdminProviders); err != nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	var immutable *provider.ImmutableProviderError
	switch {
	case errors.Is(err, provider.ErrNotFound):
		http.Error(w, "Provider not found", http.StatusNotFound)
	case provider.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &immutable):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// Helper functions

func getUserID(r *http.Request) string {
	// For now, use a default user ID (in production, extract from auth header)
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "default-user"
	}
	return userID
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
