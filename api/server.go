/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for clients

ROUTE GROUPS:
  /api/users/*      Balance, credits, history, daily bonus, analytics
  /api/purchases    Purchase redemption
  /api/referrals    Referral payouts
  /api/admin/*      Adjustments and reconciliation
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/credits", h.AddCredits)
			r.Post("/credits/deduct", h.DeductCredits)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/analytics", h.GetAnalytics)
			r.Get("/daily-bonus", h.GetDailyBonusStatus)
			r.Post("/daily-bonus/claim", h.ClaimDailyBonus)
		})

		// Purchase routes
		r.Post("/purchases", h.ProcessPurchase)

		// Referral routes
		r.Post("/referrals", h.ProcessReferral)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/credits/add", h.AdminAddCredits)
			r.Post("/credits/deduct", h.AdminDeductCredits)
			r.Post("/reconcile", h.Reconcile)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Healthz)

	return r
}
