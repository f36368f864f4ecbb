/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PayoutRoutes creates and returns a new router for the payout service.
func PayoutRoutes(h *PayoutHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Gateway callbacks authenticate with their own HMAC signature, not a
	// bearer token.
	r.Post("/callbacks/{provider}", h.GatewayCallbackHandler)

	// Group routes that require user authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/payouts", h.SubmitPayoutHandler)
		r.Get("/payouts/{id}", h.GetPayoutHandler)
	})

	// Internal operator surface.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/payouts/{id}/cancel", h.CancelPayoutHandler)
	})

	return r
}
