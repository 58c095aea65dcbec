package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP surface. redirector handles GET /r;
// a nil redirector leaves tracking unmounted (worker-only deployments).
func SetupRoutes(h *Handlers, redirector http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// Click redirector, linked from delivered emails.
	if redirector != nil {
		r.Get("/r", redirector.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.GetStats)

		r.Route("/sources", func(r chi.Router) {
			r.Post("/", h.CreateSource)
			r.Get("/", h.ListSources)
			r.Post("/{id}/subscribe", h.SubscribeSource)
			r.Post("/import-catalog", h.ImportCatalog)
		})

		r.Get("/ingest-logs", h.ListIngestLogs)

		r.Route("/goals", func(r chi.Router) {
			r.Post("/", h.CreateGoal)
			r.Get("/{id}", h.GetGoal)
			r.Post("/{id}/terms", h.AddGoalTerm)
			r.Put("/{id}/push-config", h.PutPushConfig)
		})

		r.Get("/budget/{userID}", h.GetBudget)
		r.Get("/decisions", h.ListDecisions)
		r.Post("/decisions/{id}/requeue", h.RequeueDecision)
		r.Put("/items/{id}/summary", h.UpdateItemSummary)

		r.Post("/feedback", h.PostFeedback)
		r.Post("/blocked-sources", h.BlockSource)
	})

	return r
}
