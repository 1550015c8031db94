package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the full route tree: health, the admin API under
// /api, and the public artifact endpoints under /public.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/lists", func(r chi.Router) {
			r.Get("/", h.ListLists)
			r.Post("/", h.CreateList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetList)
				r.Put("/", h.UpdateList)
				r.Delete("/", h.DeleteList)
				r.Post("/refresh", h.RefreshList)
				r.Get("/rows", h.GetRows)
				r.Put("/rows/{rowID}", h.UpdateRow)
				r.Post("/token", h.RotateToken)
				r.Get("/runs", h.ListRuns)
				r.Get("/runs/current", h.GetRunState)
			})
		})
	})

	// Token-gated public files: /public/{csv|json|txt}/{token}
	r.Get("/public/{format}/{token}", h.PublicArtifact)

	return r
}
