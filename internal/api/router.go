package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dynamiq/mcphub/internal/auth"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return true
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.Health)

	// Registry API
	r.Route("/api/v1/servers", func(r chi.Router) {
		r.Get("/", h.ListServers)
		r.Get("/search", h.SearchServers)
		r.Get("/{id}", h.GetServer)
		r.Get("/{id}/status", h.GetServerStatus)

		// Mutations require the write scope
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(h.tokenManager, auth.ScopeWrite))
			r.Post("/", h.CreateServer)
			r.Put("/{id}", h.UpdateServer)
			r.Delete("/{id}", h.DeleteServer)
			r.Post("/{id}/reload", h.ReloadServer)
			r.Post("/{id}/enable", h.EnableServer)
			r.Post("/{id}/disable", h.DisableServer)
		})
	})

	// Mounted MCP servers
	r.Handle("/servers/{id}", http.HandlerFunc(h.ServeMounted))
	r.Handle("/servers/{id}/*", http.HandlerFunc(h.ServeMounted))

	return r
}
