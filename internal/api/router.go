/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
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

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/callbacks/{token}", h.handleCallback)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/companies", h.handleCreateCompany)
		r.Post("/companies/{id}/tokens", h.handleIssueToken)
		r.Post("/jobs/yield-invoices", h.handleYieldInvoices)
		r.Post("/jobs/process-transactions", h.handleProcessTransactions)
	})

	r.Group(func(r chi.Router) {
		r.Use(CompanyAuthMiddleware(h.tokens))
		r.Get("/company", h.handleGetCompany)

		r.Post("/customers", h.handleCreateCustomer)
		r.Get("/customers/{id}", h.handleGetCustomer)

		r.Post("/plans", h.handleCreatePlan)
		r.Get("/plans/{id}", h.handleGetPlan)

		r.Post("/subscriptions", h.handleCreateSubscription)
		r.Get("/subscriptions/{id}", h.handleGetSubscription)
		r.Post("/subscriptions/{id}/cancel", h.handleCancelSubscription)

		r.Post("/invoices", h.handleCreateInvoice)
		r.Get("/invoices/{id}", h.handleGetInvoice)
		r.Put("/invoices/{id}/funding-instrument", h.handleUpdateFundingInstrument)
		r.Post("/invoices/{id}/cancel", h.handleCancelInvoice)
		r.Post("/invoices/{id}/refunds", h.handleRefundInvoice)

		r.Get("/transactions/{id}", h.handleGetTransaction)
		r.Post("/events", h.handleAddEvent)
	})

	return r
}
