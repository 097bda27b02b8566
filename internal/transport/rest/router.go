package rest

import (
	"log/slog"

	"github.com/frahmantamala/payment-engine/internal/transport/middleware"
	"github.com/go-chi/chi"
)

// NewRouter serves the worker's ops endpoints.
func NewRouter(health *HealthHandler, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.Trace)
	router.Use(middleware.Recover(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", health.Ping)
		r.Get("/health", health.Health)
	})

	return router
}
