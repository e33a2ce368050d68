/**
 * @description
 * This file defines the recurring-payment domain models: UPI mandates
 * (standing instructions) and their per-charge execution records.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Mandate statuses.
const (
	MandateActive  = "active"
	MandatePaused  = "paused"
	MandateRevoked = "revoked"
	MandateExpired = "expired"
	MandateFailed  = "failed"
)

// Mandate frequencies.
const (
	FreqDaily      = "daily"
	FreqWeekly     = "weekly"
	FreqMonthly    = "monthly"
	FreqQuarterly  = "quarterly"
	FreqYearly     = "yearly"
	FreqAsRequired = "as_required"
)

// Execution trigger types.
const (
	TriggerScheduled = "scheduled"
	TriggerThreshold = "threshold"
	TriggerManual    = "manual"
)

// MandateTerminal reports whether a mandate status permits no further charges
// or transitions.
func MandateTerminal(status string) bool {
	return status == MandateRevoked || status == MandateExpired || status == MandateFailed
}

// Mandate is a standing authorization for recurring debits up to MaxAmount.
// Charges fire either on a schedule (NextChargeAt) or when the linked ledger
// account balance drops to AutoChargeThreshold.
type Mandate struct {
	ID                  uuid.UUID  `json:"id"`
	Ref                 string     `json:"ref"` // e.g. MND_AB12CD34EF56
	ProviderMandateID   *string    `json:"provider_mandate_id,omitempty"`
	PayerVPA            string     `json:"payer_vpa"`
	PayeeVPA            string     `json:"payee_vpa"`
	UserID              uuid.UUID  `json:"user_id"`
	OrganizationID      uuid.UUID  `json:"organization_id"`
	Purpose             string     `json:"purpose"` // e.g. 'subscription', 'ads_wallet', 'emi'
	Description         string     `json:"description"`
	MaxAmount           int64      `json:"max_amount"` // in paise
	Frequency           string     `json:"frequency"`
	StartDate           time.Time  `json:"start_date"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	AutoChargeThreshold *int64     `json:"auto_charge_threshold,omitempty"` // in paise
	AutoChargeAmount    *int64     `json:"auto_charge_amount,omitempty"`    // in paise
	LinkedAccountID     *uuid.UUID `json:"linked_account_id,omitempty"`     // balance source for threshold charges
	Status              string     `json:"status"`
	ProviderCode        string     `json:"provider_code"`
	CreatedAt           time.Time  `json:"created_at"`
	LastChargedAt       *time.Time `json:"last_charged_at,omitempty"`
	NextChargeAt        *time.Time `json:"next_charge_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// MandateExecution is one charge attempt against a mandate, linked 1:1 to the
// collect Transaction that carries it. Failed executions retry with
// exponential backoff until RetryCount reaches the cap, then are abandoned
// while the parent mandate stays active for its next cycle.
type MandateExecution struct {
	ID            uuid.UUID  `json:"id"`
	MandateID     uuid.UUID  `json:"mandate_id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	ExecutionDate time.Time  `json:"execution_date"`
	Amount        int64      `json:"amount"` // in paise
	Trigger       string     `json:"trigger"`
	RetryCount    int        `json:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CreateMandateRequest is the DTO for incoming mandate creation API requests.
type CreateMandateRequest struct {
	PayerVPA            string     `json:"payer_vpa"`
	Purpose             string     `json:"purpose"`
	Description         string     `json:"description"`
	MaxAmount           int64      `json:"max_amount"` // in paise
	Frequency           string     `json:"frequency"`
	StartDate           time.Time  `json:"start_date"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	AutoChargeThreshold *int64     `json:"auto_charge_threshold,omitempty"`
	AutoChargeAmount    *int64     `json:"auto_charge_amount,omitempty"`
	LinkedAccountID     *uuid.UUID `json:"linked_account_id,omitempty"`
}
