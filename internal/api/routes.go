package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/mass-actions", func(r chi.Router) {
			r.Post("/delete", h.MassDelete)
			r.Post("/update", h.MassUpdate)
			r.Post("/update-subscription", h.MassUpdateSubscription)
			r.Post("/add-to-list", h.MassAddToList)
			r.Post("/add-to-organization", h.MassAddToOrganization)
			r.Post("/add-to-journey", h.MassAddToJourney)
			r.Post("/anonymize", h.MassAnonymize)
			r.Post("/export", h.MassExport)
		})

		r.Route("/import", func(r chi.Router) {
			r.Post("/upload", h.UploadCSV)
			r.Post("/suggest-mapping", h.SuggestMapping)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Get("/{jobID}/failed.csv", h.JobFailedItemsCSV)
		})

		r.Get("/imports/{jobID}/progress", h.ImportProgress)
	})

	return r
}
