/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/users/*   Per-user loyalty surface
  /api/admin/*   Ledger administration
  /api/config    Program economics
  /api/tiers/*   Tier and perk catalog
  /api/events/*  Inbound webhooks from other systems
  /healthz       Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}/loyalty", func(r chi.Router) {
			r.Get("/", h.GetSummary)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/redeem", h.Redeem)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/award", h.Award)
			r.Post("/adjust", h.Adjust)
			r.Post("/batch-award", h.BatchAward)
			r.Post("/expire", h.Expire)
			r.Post("/recalculate-tiers", h.RecalculateTiers)
			r.Post("/archive", h.Archive)
			r.Get("/report", h.GetReport)
		})

		// Configuration routes
		r.Route("/config", func(r chi.Router) {
			r.Get("/", h.GetConfig)
			r.Put("/", h.UpdateConfig)
		})

		// Tier routes
		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.SaveTier)
			r.Get("/{id}/perks", h.ListPerks)
			r.Post("/{id}/perks", h.SavePerk)
		})

		// Inbound event webhooks
		r.Route("/events", func(r chi.Router) {
			r.Post("/payment-completed", h.PaymentCompleted)
			r.Post("/review-created", h.ReviewCreated)
			r.Post("/user-signed-up", h.UserSignedUp)
			r.Post("/order-cancelled", h.OrderCancelled)
		})
	})

	return r
}
