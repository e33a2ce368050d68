package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatusEvent is published to the message broker whenever a transaction
// reaches a new status, so downstream services (orders, notifications) can
// react without polling.
type PaymentStatusEvent struct {
	TransactionID  uuid.UUID  `json:"transaction_id"`
	Ref            string     `json:"ref"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	UserID         uuid.UUID  `json:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// MandateChargedEvent is published after a mandate execution is dispatched.
type MandateChargedEvent struct {
	MandateID   uuid.UUID `json:"mandate_id"`
	MandateRef  string    `json:"mandate_ref"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Amount      int64     `json:"amount"`
	Trigger     string    `json:"trigger"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// SettlementCompletedEvent is published when a payout settles.
type SettlementCompletedEvent struct {
	SettlementID   uuid.UUID `json:"settlement_id"`
	Ref            string    `json:"ref"`
	OrganizationID uuid.UUID `json:"organization_id"`
	NetAmount      int64     `json:"net_amount"`
	OccurredAt     time.Time `json:"occurred_at"`
}
