/**
 * @description
 * This file models the inbound provider webhook surface: the audit/idempotency
 * record persisted for every authenticated delivery, and the event payload the
 * providers post. The payload shape follows the provider contract: a flat JSON
 * object carrying an event_type plus the reference of the entity it concerns.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Webhook event type families dispatched by the processor.
const (
	EventPaymentSuccess  = "payment_success"
	EventPaymentFailed   = "payment_failed"
	EventMandateApproved = "mandate_approved"
	EventMandateRevoked  = "mandate_revoked"
	EventRefundSuccess   = "refund_success"
	EventRefundFailed    = "refund_failed"
)

// WebhookEvent is the audit record written for every authenticated inbound
// webhook before any business logic runs. Duplicate deliveries are detected
// by PayloadHash; failed dispatches keep Processed=false for redrive.
type WebhookEvent struct {
	ID              uuid.UUID  `json:"id"`
	ProviderCode    string     `json:"provider_code"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"payload"` // raw JSON as delivered
	PayloadHash     string     `json:"payload_hash"`
	Signature       string     `json:"signature"`
	TransactionID   *uuid.UUID `json:"transaction_id,omitempty"`
	Processed       bool       `json:"processed"`
	ProcessingError *string    `json:"processing_error,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// WebhookPayload is the decoded provider event body. Which reference field is
// set depends on the event type family.
type WebhookPayload struct {
	EventType      string `json:"event_type"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	MandateRef     string `json:"mandate_ref,omitempty"`
	RefundRef      string `json:"refund_ref,omitempty"`
	Status         string `json:"status,omitempty"`
	NetworkRef     string `json:"upi_txn_id,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// Webhook processing outcomes returned to the HTTP layer.
const (
	WebhookProcessed = "processed"
	WebhookSkipped   = "skipped" // duplicate delivery, safely ignored
)
