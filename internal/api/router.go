/**
 * @description
 * This file sets up the HTTP router for the refund-service. It defines the donor,
 * admin and internal endpoints, associates them with their handlers, and applies
 * the authentication middleware each group needs.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: browser access from the donor and admin dashboards.
 * - github.com/prometheus/client_golang/prometheus/promhttp: the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the secrets and origins the router needs.
type RouterConfig struct {
	AuthJWTSecret  string
	InternalAPIKey string
	AllowedOrigins []string
	// MetricsHandler defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// RefundRoutes creates and returns a new router for the refund service.
func RefundRoutes(h *RefundHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", InternalAPIKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/refunds", func(r chi.Router) {
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/allocations", h.AllocateDonationHandler)
			r.Post("/sweep", h.SweepExpiredHandler)
			r.Post("/requests/{id}/process", h.InternalProcessRequestHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.AuthJWTSecret))

			// Donor endpoints
			r.Get("/decisions/pending", h.ListPendingDecisionsHandler)
			r.Get("/decisions/{id}", h.GetDecisionHandler)
			r.Post("/decisions/{id}", h.SubmitDecisionHandler)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Post("/milestones/{id}/reject-refund", h.InitiateRefundHandler)
				r.Get("/requests", h.ListRefundRequestsHandler)
				r.Get("/requests/{id}", h.GetRefundRequestHandler)
				r.Post("/requests/{id}/process", h.ProcessRefundRequestHandler)
				r.Get("/statistics", h.StatisticsHandler)
			})
		})
	})

	return r
}
