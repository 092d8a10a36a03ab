package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Burst of 100 cancels, then 10/second
	cancelLimiter := NewDeleteRateLimiter(100, 100*time.Millisecond)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/mutations", h.SubmitMutation)
			r.Get("/queue", h.ListQueue)
			r.Post("/queue/drain", h.DrainQueue)
			r.With(cancelLimiter.Middleware).Delete("/queue/{id}", h.CancelOperation)
			r.Put("/cache/{type}/{id}", h.PutEntity)
		})
	})

	return r
}
