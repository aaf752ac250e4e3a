/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers. chi for routing, permissive CORS for the
  internal dashboards that consume the read endpoints.

ROUTE GROUPS:
  /api/events                      ingest + settle a payment event
  /api/sources/{type}/{id}/*       per-source reprocess and ledger reads
  /api/settlements/*               month recompute, ledger/income/payout reads
  /api/reconciliation              on-demand reconciliation report
  /api/contracts, /api/chapters    admin upserts

SECURITY NOTE:
  No authentication middleware here; this service sits behind the
  platform gateway, which owns authn/authz.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/events", h.ProcessEvent)

		r.Route("/sources/{type}/{id}", func(r chi.Router) {
			r.Post("/reprocess", h.ReprocessSource)
			r.Get("/ledger", h.SourceLedger)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Post("/recompute", h.RecomputeMonth)
			r.Get("/{month}/ledger", h.MonthLedger)
			r.Get("/{month}/income", h.MonthIncome)
			r.Get("/{month}/payouts", h.MonthPayouts)
		})

		r.Get("/reconciliation", h.Reconciliation)

		r.Put("/contracts", h.SaveContract)
		r.Put("/chapters", h.SaveChapter)
	})

	return r
}
