package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"}, // Allow all origins for development
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return true // Allow all origins
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"}, // Allow all headers
		ExposedHeaders:   []string{"Link", "Content-Type"},
		AllowCredentials: false, // Must be false when AllowedOrigins is "*"
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.Health)

	// Streaming websocket endpoint
	r.Get("/ws", h.Stream)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.CreateConversation)
			r.Get("/{id}", h.GetConversation)
			r.Put("/{id}", h.UpdateConversation)
			r.Delete("/{id}", h.DeleteConversation)
		})

		// Auth
		r.Route("/auth", func(r chi.Router) {
			r.Get("/session-token", h.GetSessionToken)
			r.Get("/admin-token", h.GetAdminToken)
		})

		// Providers. Reads are open, mutations need the admin scope.
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/status", h.ProviderStatuses)
			r.Get("/{id}", h.GetProvider)
			r.Get("/{id}/tools", h.ProviderTools)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Post("/", h.AddProvider)
				r.Put("/{id}", h.UpdateProvider)
				r.Delete("/{id}", h.RemoveProvider)
				r.Post("/{id}/enable", h.EnableProvider)
				r.Post("/{id}/disable", h.DisableProvider)
			})
		})
	})

	return r
}
