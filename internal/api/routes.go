package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the router. Keeping this separate from handlers.go means the
// full route surface is visible at a glance.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Observability, unauthenticated
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(h.KeyHeader, h.APIKey))

		r.Route("/movies", func(r chi.Router) {
			r.Get("/search", h.SearchMovies)
			r.Get("/top", h.TopMovies)

			// Sync
			r.Post("/sync/start", h.StartSync)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/sync/status/{syncId}", h.SyncStatus)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetMovie)
				r.Get("/rating", h.GetRatingSummary)
				r.Post("/rate", h.RateMovie)
				r.Put("/ratings/{ratingId}", h.UpdateRating)
				r.Delete("/ratings/{ratingId}", h.DeleteRating)
				r.Post("/reindex", h.ReindexMovie)
			})
		})
	})
	return r
}
