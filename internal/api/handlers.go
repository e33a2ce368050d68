/**
 * @description
 * This file contains the HTTP handlers for the payments-service API. Handlers
 * decode and validate incoming requests, delegate to the application services,
 * and translate domain errors into HTTP status codes.
 *
 * @dependencies
 * - encoding/json, errors, io, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/ledger, internal/store: Core packages.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/app"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/ledger"
	"github.com/superplatform/payments-service/internal/store"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// PaymentHandlers holds dependencies for the API handlers.
type PaymentHandlers struct {
	payments         *app.PaymentService
	refunds          *app.RefundService
	mandates         *app.MandateService
	settlements      *app.SettlementService
	webhooks         *app.WebhookProcessor
	rateLimiter      *app.RedisWebhookRateLimiter
	webhookRateLimit int
}

// NewPaymentHandlers creates a new handlers instance.
func NewPaymentHandlers(
	payments *app.PaymentService,
	refunds *app.RefundService,
	mandates *app.MandateService,
	settlements *app.SettlementService,
	webhooks *app.WebhookProcessor,
	rateLimiter *app.RedisWebhookRateLimiter,
	webhookRateLimit int,
) *PaymentHandlers {
	return &PaymentHandlers{
		payments:         payments,
		refunds:          refunds,
		mandates:         mandates,
		settlements:      settlements,
		webhooks:         webhooks,
		rateLimiter:      rateLimiter,
		webhookRateLimit: webhookRateLimit,
	}
}

// InitiatePayment handles POST /payments.
func (h *PaymentHandlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txn, artifacts, err := h.payments.InitiatePayment(r.Context(), userID, GetOrgID(r.Context()), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"transaction": txn,
		"artifacts":   artifacts,
	})
}

// GetPayment handles GET /payments/{ref}.
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	txn, err := h.payments.GetTransaction(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// CancelPayment handles POST /payments/{ref}/cancel.
func (h *PaymentHandlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	txn, err := h.payments.CancelPayment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// InitiateRefund handles POST /refunds.
func (h *PaymentHandlers) InitiateRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TransactionRef == "" {
		h.writeError(w, http.StatusBadRequest, "transaction_ref is required")
		return
	}

	refund, err := h.refunds.InitiateRefund(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// GetRefund handles GET /refunds/{ref}.
func (h *PaymentHandlers) GetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.refunds.GetRefund(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, refund)
}

// CreateMandate handles POST /mandates.
func (h *PaymentHandlers) CreateMandate(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}
	orgID := GetOrgID(r.Context())
	if orgID == nil {
		h.writeError(w, http.StatusBadRequest, "Mandates require an organization context")
		return
	}

	var req domain.CreateMandateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mandate, err := h.mandates.CreateMandate(r.Context(), userID, *orgID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mandate)
}

// GetMandate handles GET /mandates/{ref}.
func (h *PaymentHandlers) GetMandate(w http.ResponseWriter, r *http.Request) {
	mandate, err := h.mandates.GetMandate(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mandate)
}

// PauseMandate handles POST /mandates/{ref}/pause.
func (h *PaymentHandlers) PauseMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.PauseMandate)
}

// ResumeMandate handles POST /mandates/{ref}/resume.
func (h *PaymentHandlers) ResumeMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.ResumeMandate)
}

// RevokeMandate handles POST /mandates/{ref}/revoke.
func (h *PaymentHandlers) RevokeMandate(w http.ResponseWriter, r *http.Request) {
	h.mandateTransition(w, r, h.mandates.RevokeMandate)
}

func (h *PaymentHandlers) mandateTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, ref string) error) {
	ref := chi.URLParam(r, "ref")
	if err := fn(r.Context(), ref); err != nil {
		h.handleServiceError(w, err)
		return
	}
	mandate, err := h.mandates.GetMandate(r.Context(), ref)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mandate)
}

// ChargeMandate handles POST /mandates/{ref}/charge.
func (h *PaymentHandlers) ChargeMandate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	execution, err := h.mandates.ChargeNow(r.Context(), chi.URLParam(r, "ref"), req.Amount)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, execution)
}

// GetAccountBalance handles GET /accounts/{id}/balance.
func (h *PaymentHandlers) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	balance, err := h.payments.AccountBalance(r.Context(), accountID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// GetSettlement handles GET /settlements/{ref}.
func (h *PaymentHandlers) GetSettlement(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.settlements.GetSettlement(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settlement)
}

// PlaceSettlementHold handles POST /internal/settlement-holds.
func (h *PaymentHandlers) PlaceSettlementHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID `json:"account_id"`
		HoldType  string    `json:"hold_type"`
		Amount    int64     `json:"amount"`
		Reason    string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	hold, err := h.settlements.PlaceHold(r.Context(), req.AccountID, req.HoldType, req.Amount, req.Reason)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, hold)
}

// ReleaseSettlementHold handles POST /internal/settlement-holds/{id}/release.
func (h *PaymentHandlers) ReleaseSettlementHold(w http.ResponseWriter, r *http.Request) {
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid hold id")
		return
	}
	if err := h.settlements.ReleaseHold(r.Context(), holdID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ResolveReconciliation handles POST /internal/reconciliation/{id}/resolve.
func (h *PaymentHandlers) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid record id")
		return
	}
	var req struct {
		TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.settlements.ResolveReconciliation(r.Context(), recordID, req.TransactionID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// HandleWebhook handles POST /webhooks/{providerCode}. The endpoint is
// unauthenticated; the HMAC signature on the body is the authentication.
func (h *PaymentHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerCode := chi.URLParam(r, "providerCode")

	if h.rateLimiter != nil && h.webhookRateLimit > 0 {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "webhook", providerCode, h.webhookRateLimit, time.Minute)
		if err != nil {
			// Redis being down must not drop provider deliveries.
			log.Printf("HandleWebhook: rate limiter unavailable for %s: %v", providerCode, err)
		} else if count > h.webhookRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	outcome, err := h.webhooks.Handle(r.Context(), providerCode, body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidSignature):
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, store.ErrProviderNotFound):
			h.writeError(w, http.StatusNotFound, "Unknown provider")
		case errors.Is(err, app.ErrUnknownEventType):
			h.writeError(w, http.StatusBadRequest, "Unknown event type")
		default:
			// The event is persisted; the redrive job picks it up. Tell the
			// provider to retry anyway in case persistence itself failed.
			h.writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

// handleServiceError maps domain errors to HTTP status codes.
func (h *PaymentHandlers) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrRefundNotFound),
		errors.Is(err, store.ErrMandateNotFound),
		errors.Is(err, store.ErrSettlementNotFound),
		errors.Is(err, store.ErrHoldNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidMethod),
		errors.Is(err, app.ErrInvalidVPA),
		errors.Is(err, app.ErrInvalidFrequency),
		errors.Is(err, app.ErrRefundExceedsTotal),
		errors.Is(err, app.ErrChargeExceedsLimit):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStateConflict),
		errors.Is(err, app.ErrMandateNotActive):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrBalanceLimit),
		errors.Is(err, ledger.ErrAccountInactive):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("handleServiceError: unhandled error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// writeJSON is a helper to write a JSON response.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("writeJSON: failed to encode response: %v", err)
	}
}

// writeError is a helper to write a JSON error response.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
