/**
 * @description
 * This file defines the ledger-side domain models: the account registry and the
 * append-only double-entry postings derived balances are computed from.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (paise), which
 *   avoids floating-point inaccuracies with financial data.
 * - A Posting is immutable once written. Corrections are expressed as new
 *   reversing postings, never as edits.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account kinds. The kind decides which side of the books the account lives on
// and therefore how its balance is derived from postings.
const (
	AccountPlatform   = "platform"
	AccountMerchant   = "merchant"
	AccountConsumer   = "consumer"
	AccountRider      = "rider"
	AccountAds        = "ads"
	AccountEscrow     = "escrow"
	AccountCommission = "commission"
	AccountRefund     = "refund"
)

// Posting entry kinds.
const (
	EntryPayment    = "payment"
	EntryRefund     = "refund"
	EntryCommission = "commission"
	EntrySettlement = "settlement"
	EntryAdjustment = "adjustment"
	EntryFee        = "fee"
	EntryAdsTopup   = "ads_topup"
)

// Account is a ledger account. The source of truth for its balance is the
// posting journal; CachedBalance only exists so list views don't have to
// re-aggregate and is refreshed on every post that touches the account.
type Account struct {
	ID             uuid.UUID  `json:"id"`
	AccountNumber  string     `json:"account_number"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	CachedBalance  int64      `json:"cached_balance"` // in paise, read hint only
	MinBalance     int64      `json:"min_balance"`
	MaxBalance     *int64     `json:"max_balance,omitempty"`
	Active         bool       `json:"active"`
	Blocked        bool       `json:"blocked"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreditNormal reports whether the account's balance is credits minus debits
// (liability/income side) rather than debits minus credits (asset side).
func (a *Account) CreditNormal() bool {
	return a.Kind == AccountPlatform || a.Kind == AccountCommission
}

// Posting is one balanced double-entry ledger record: a single debit leg and a
// single credit leg for the same amount.
type Posting struct {
	ID              uuid.UUID  `json:"id"`
	DebitAccountID  uuid.UUID  `json:"debit_account_id"`
	CreditAccountID uuid.UUID  `json:"credit_account_id"`
	Amount          int64      `json:"amount"` // in paise, always > 0
	EntryKind       string     `json:"entry_kind"`
	Description     string     `json:"description"`
	ReferenceKind   string     `json:"reference_kind"` // e.g. 'upi_transaction', 'refund', 'settlement'
	ReferenceID     uuid.UUID  `json:"reference_id"`
	Settled         bool       `json:"settled"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
