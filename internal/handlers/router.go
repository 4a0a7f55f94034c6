// Package handlers serves the engine's operational endpoints.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts /health and, when metrics is non-nil, /metrics.
func NewRouter(h *Health, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
