/**
 * @description
 * This file sets up the HTTP router for the payments-service using chi.
 * It defines the routes, applies middleware, and wires them to the handlers.
 *
 * Three route groups exist: the unauthenticated webhook endpoint (the HMAC
 * signature is the authentication), user-facing routes behind bearer auth,
 * and service-to-service routes behind the shared internal key.
 *
 * @dependencies
 * - net/http: Standard Go library.
 * - github.com/go-chi/chi/v5: The router.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures a new chi router.
func NewRouter(handlers *PaymentHandlers, jwtSecret, internalAPIKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider deliveries; authenticated by the body signature, not a token.
	r.Post("/webhooks/{providerCode}", handlers.HandleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", handlers.InitiatePayment)
			r.Get("/{ref}", handlers.GetPayment)
			r.Post("/{ref}/cancel", handlers.CancelPayment)
		})

		r.Route("/refunds", func(r chi.Router) {
			r.Post("/", handlers.InitiateRefund)
			r.Get("/{ref}", handlers.GetRefund)
		})

		r.Route("/mandates", func(r chi.Router) {
			r.Post("/", handlers.CreateMandate)
			r.Get("/{ref}", handlers.GetMandate)
			r.Post("/{ref}/pause", handlers.PauseMandate)
			r.Post("/{ref}/resume", handlers.ResumeMandate)
			r.Post("/{ref}/revoke", handlers.RevokeMandate)
			r.Post("/{ref}/charge", handlers.ChargeMandate)
		})

		r.Get("/accounts/{id}/balance", handlers.GetAccountBalance)
		r.Get("/settlements/{ref}", handlers.GetSettlement)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/settlement-holds", handlers.PlaceSettlementHold)
		r.Post("/settlement-holds/{id}/release", handlers.ReleaseSettlementHold)
		r.Post("/reconciliation/{id}/resolve", handlers.ResolveReconciliation)
	})

	return r
}
