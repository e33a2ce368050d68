/**
 * @description
 * This file defines the core payment domain models: UPI transactions, refunds,
 * and the DTOs the API layer accepts for initiating them. These structs map
 * directly to their database tables and are mutated only through the state
 * machines in the app layer.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest
 *   currency unit (paise), which avoids floating-point inaccuracies.
 * - Terminal transactions and refunds are never deleted; they are the audit
 *   trail the reconciliation job runs against.
 */

package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

var vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*@[a-zA-Z][a-zA-Z0-9]*$`)

// ValidVPA reports whether a string is a well-formed virtual payment address
// (name@handle).
func ValidVPA(vpa string) bool {
	return vpaPattern.MatchString(vpa)
}

// Transaction statuses.
const (
	TxnInitiated  = "initiated"
	TxnPending    = "pending"
	TxnProcessing = "processing"
	TxnSuccess    = "success"
	TxnFailed     = "failed"
	TxnExpired    = "expired"
	TxnCancelled  = "cancelled"
)

// Transaction kinds.
const (
	TxnKindPayment    = "payment"
	TxnKindRefund     = "refund"
	TxnKindSettlement = "settlement"
	TxnKindMandate    = "mandate"
)

// Payment methods.
const (
	MethodIntent  = "intent"
	MethodCollect = "collect"
	MethodQR      = "qr"
)

// TxnTerminal reports whether a transaction status is terminal. Transitions
// out of a terminal status are idempotent no-ops.
func TxnTerminal(status string) bool {
	switch status {
	case TxnSuccess, TxnFailed, TxnExpired, TxnCancelled:
		return true
	}
	return false
}

// Transaction represents one UPI money movement attempt.
type Transaction struct {
	ID              uuid.UUID  `json:"id"`
	Ref             string     `json:"ref"` // client-visible, unique, e.g. TXN_AB12CD34EF56
	ProviderRef     *string    `json:"provider_ref,omitempty"`
	NetworkRef      *string    `json:"network_ref,omitempty"` // UPI transaction id from the network
	Amount          int64      `json:"amount"`                // in paise
	Currency        string     `json:"currency"`
	PayerVPA        string     `json:"payer_vpa"`
	PayeeVPA        string     `json:"payee_vpa"`
	UserID          uuid.UUID  `json:"user_id"`
	OrganizationID  *uuid.UUID `json:"organization_id,omitempty"`
	Kind            string     `json:"kind"`
	Method          string     `json:"method"`
	Description     string     `json:"description"`
	ProviderCode    string     `json:"provider_code"`
	Status          string     `json:"status"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	WebhookReceived bool       `json:"webhook_received"`
	Reconciled      bool       `json:"reconciled"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// InitiatePaymentRequest is the DTO for incoming payment initiation API requests.
type InitiatePaymentRequest struct {
	Amount      int64  `json:"amount"` // in paise
	Method      string `json:"method"` // intent | collect | qr
	PayerVPA    string `json:"payer_vpa"`
	PayeeVPA    string `json:"payee_vpa,omitempty"` // defaults to the platform collection VPA
	Description string `json:"description"`
}

// PaymentArtifacts carries whatever the provider handed back for the client to
// complete the payment with: a deep link, a hosted page, or a QR code.
type PaymentArtifacts struct {
	IntentURL  string `json:"intent_url,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	CollectRef string `json:"collect_ref,omitempty"`
	QRData     string `json:"qr_data,omitempty"`
	QRImage    []byte `json:"qr_image,omitempty"` // PNG
}

// StatusResult is the converged shape both the webhook path and the status
// poll path reduce provider reports to before applying them.
type StatusResult struct {
	Status     string  `json:"status"` // success | failed | pending | processing
	NetworkRef *string `json:"network_ref,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Refund statuses.
const (
	RefundInitiated  = "initiated"
	RefundProcessing = "processing"
	RefundSuccess    = "success"
	RefundFailed     = "failed"
)

// RefundTerminal reports whether a refund status is final.
func RefundTerminal(status string) bool {
	return status == RefundSuccess || status == RefundFailed
}

// Refund is a partial or full reversal of a successful transaction. The sum
// of success-status refund amounts for a transaction never exceeds its amount.
type Refund struct {
	ID                    uuid.UUID  `json:"id"`
	Ref                   string     `json:"ref"` // e.g. REF_AB12CD34EF56
	ProviderRefundID      *string    `json:"provider_refund_id,omitempty"`
	OriginalTransactionID uuid.UUID  `json:"original_transaction_id"`
	Amount                int64      `json:"amount"` // in paise
	Reason                string     `json:"reason"`
	Status                string     `json:"status"`
	FailureReason         *string    `json:"failure_reason,omitempty"`
	InitiatedAt           time.Time  `json:"initiated_at"`
	ProcessedAt           *time.Time `json:"processed_at,omitempty"`
}

// InitiateRefundRequest is the DTO for incoming refund API requests.
type InitiateRefundRequest struct {
	TransactionRef string `json:"transaction_ref"`
	Amount         int64  `json:"amount"` // in paise
	Reason         string `json:"reason"`
}
