/**
 * @description
 * This file defines the payout-side domain models: settlements sweeping
 * settleable ledger balance to an external destination, the per-organization
 * schedules that drive the sweep, holds that suspend eligibility, and the
 * reconciliation records matching internal state against provider statements.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Settlement statuses.
const (
	SettlementPending    = "pending"
	SettlementProcessing = "processing"
	SettlementCompleted  = "completed"
	SettlementFailed     = "failed"
	SettlementCancelled  = "cancelled"
)

// Settlement types.
const (
	SettlementMerchantPayout = "merchant_payout"
	SettlementRiderPayout    = "rider_payout"
	SettlementRefundPayout   = "refund_payout"
)

// Settlement schedule frequencies.
const (
	ScheduleInstant  = "instant"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
	ScheduleBiweekly = "biweekly"
	ScheduleMonthly  = "monthly"
)

// Payout methods.
const (
	PayoutUPI  = "upi"
	PayoutBank = "bank"
)

// Settlement is one payout of settleable balance. NetAmount is always
// GrossAmount minus the three deduction legs.
type Settlement struct {
	ID               uuid.UUID  `json:"id"`
	Ref              string     `json:"ref"` // e.g. SET_AB12CD34EF56
	Type             string     `json:"type"`
	OrganizationID   uuid.UUID  `json:"organization_id"`
	FromAccountID    uuid.UUID  `json:"from_account_id"`
	ToAccountID      uuid.UUID  `json:"to_account_id"`
	GrossAmount      int64      `json:"gross_amount"` // in paise
	CommissionAmount int64      `json:"commission_amount"`
	PlatformFee      int64      `json:"platform_fee"`
	TaxAmount        int64      `json:"tax_amount"`
	NetAmount        int64      `json:"net_amount"`
	PayoutMethod     string     `json:"payout_method"`
	PayoutVPA        string     `json:"payout_vpa,omitempty"`
	ProviderPayoutID *string    `json:"provider_payout_id,omitempty"`
	Status           string     `json:"status"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	PostingIDs       []uuid.UUID `json:"posting_ids,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// SettlementSchedule configures how one organization's balance is swept.
type SettlementSchedule struct {
	ID                uuid.UUID  `json:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id"`
	AccountID         uuid.UUID  `json:"account_id"` // merchant/rider account swept by this schedule
	Frequency         string     `json:"frequency"`
	MinimumAmount     int64      `json:"minimum_amount"` // in paise
	CommissionPercent float64    `json:"commission_percent"`
	PlatformFeePercent float64   `json:"platform_fee_percent"`
	TaxPercent        float64    `json:"tax_percent"`
	PayoutMethod      string     `json:"payout_method"`
	PayoutVPA         string     `json:"payout_vpa,omitempty"`
	AutoSettlement    bool       `json:"auto_settlement"`
	HoldSettlements   bool       `json:"hold_settlements"`
	LastSettlementAt  *time.Time `json:"last_settlement_at,omitempty"`
	NextSettlementAt  *time.Time `json:"next_settlement_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Hold types.
const (
	HoldDispute    = "dispute"
	HoldCompliance = "compliance"
	HoldManual     = "manual"
	HoldRisk       = "risk"
)

// SettlementHold suspends part or all of an account's balance from settlement
// until explicitly released.
type SettlementHold struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	HoldType   string     `json:"hold_type"`
	Amount     int64      `json:"amount"` // in paise
	Reason     string     `json:"reason"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Reconciliation statuses.
const (
	ReconMatched   = "matched"
	ReconUnmatched = "unmatched"
	ReconDispute   = "dispute"
	ReconResolved  = "resolved"
)

// StatementRow is one row of a provider's settlement statement feed.
type StatementRow struct {
	ExternalRef     string    `json:"external_ref"`
	InternalRef     string    `json:"internal_ref"` // our transaction ref as echoed by the provider
	Amount          int64     `json:"amount"`       // in paise
	TransactionDate time.Time `json:"transaction_date"`
}

// ReconciliationRecord compares an internal transaction against the
// provider-reported row. VarianceAmount = external - internal.
type ReconciliationRecord struct {
	ID              uuid.UUID  `json:"id"`
	InternalRef     string     `json:"internal_ref"`
	ExternalRef     string     `json:"external_ref"`
	InternalAmount  int64      `json:"internal_amount"`
	ExternalAmount  int64      `json:"external_amount"`
	VarianceAmount  int64      `json:"variance_amount"`
	Status          string     `json:"status"`
	TransactionID   *uuid.UUID `json:"transaction_id,omitempty"`
	TransactionDate time.Time  `json:"transaction_date"`
	CreatedAt       time.Time  `json:"created_at"`
	ReconciledAt    *time.Time `json:"reconciled_at,omitempty"`
}
