/**
 * @description
 * This file implements the double-entry ledger service. Every money movement
 * in the platform lands here as one balanced posting: a debit leg and a credit
 * leg for the same amount. Balances are always derived from the journal, never
 * stored as the source of truth.
 *
 * Key features:
 * - Balance Derivation: debits minus credits for asset-side accounts, credits
 *   minus debits for platform and commission accounts.
 * - Overdraft Policy: a posting that would push a non-exempt account below its
 *   minimum balance is rejected before anything is written.
 * - Idempotent Posting: PostOnce keys postings by their business reference so
 *   a replayed webhook cannot create a second journal entry.
 *
 * @dependencies
 * - internal/store: For the repository interface.
 * - internal/domain: For the Account and Posting models.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/store"
)

var (
	ErrInvalidPosting    = errors.New("invalid posting")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountInactive   = errors.New("account inactive or blocked")
	ErrBalanceLimit      = errors.New("account balance limit exceeded")
)

const stripeCount = 64

// Service posts balanced double-entry records and derives account balances.
type Service struct {
	repo store.Repository

	// stripes serialize posting against the same account so the overdraft
	// check and the insert act on a consistent balance. Both legs are locked
	// in a fixed order to avoid deadlock.
	stripes [stripeCount]sync.Mutex
}

// NewService creates a new ledger service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

func stripeFor(id uuid.UUID) int {
	h := fnv.New32a()
	h.Write(id[:])
	return int(h.Sum32() % stripeCount)
}

func (s *Service) lockAccounts(a, b uuid.UUID) func() {
	i, j := stripeFor(a), stripeFor(b)
	if i == j {
		s.stripes[i].Lock()
		return s.stripes[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	s.stripes[i].Lock()
	s.stripes[j].Lock()
	return func() {
		s.stripes[j].Unlock()
		s.stripes[i].Unlock()
	}
}

// Post validates and writes one balanced posting, then refreshes the cached
// balances of both accounts. The posting's ID is assigned if unset.
func (s *Service) Post(ctx context.Context, posting *domain.Posting) error {
	if posting.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPosting)
	}
	if posting.DebitAccountID == posting.CreditAccountID {
		return fmt.Errorf("%w: debit and credit accounts must differ", ErrInvalidPosting)
	}
	if posting.EntryKind == "" {
		return fmt.Errorf("%w: entry kind is required", ErrInvalidPosting)
	}
	if posting.ID == uuid.Nil {
		posting.ID = uuid.New()
	}

	unlock := s.lockAccounts(posting.DebitAccountID, posting.CreditAccountID)
	defer unlock()

	debitAccount, err := s.repo.FindAccountByID(ctx, posting.DebitAccountID)
	if err != nil {
		return err
	}
	creditAccount, err := s.repo.FindAccountByID(ctx, posting.CreditAccountID)
	if err != nil {
		return err
	}
	for _, account := range []*domain.Account{debitAccount, creditAccount} {
		if !account.Active || account.Blocked {
			return fmt.Errorf("%w: %s", ErrAccountInactive, account.AccountNumber)
		}
	}

	debitBalance, err := s.balanceOf(ctx, debitAccount)
	if err != nil {
		return err
	}
	creditBalance, err := s.balanceOf(ctx, creditAccount)
	if err != nil {
		return err
	}

	// Apply the posting to each leg's derived balance. A debit increases an
	// asset-side balance and decreases a credit-normal one; a credit does the
	// opposite.
	newDebitBalance := debitBalance + posting.Amount
	newCreditBalance := creditBalance - posting.Amount
	if debitAccount.CreditNormal() {
		newDebitBalance = debitBalance - posting.Amount
	}
	if creditAccount.CreditNormal() {
		newCreditBalance = creditBalance + posting.Amount
	}

	if err := checkLimits(debitAccount, newDebitBalance); err != nil {
		return err
	}
	if err := checkLimits(creditAccount, newCreditBalance); err != nil {
		return err
	}

	if err := s.repo.InsertPosting(ctx, posting); err != nil {
		return err
	}

	// Cached balances are read hints; a failed refresh does not undo the post.
	_ = s.repo.UpdateCachedBalance(ctx, debitAccount.ID, newDebitBalance)
	_ = s.repo.UpdateCachedBalance(ctx, creditAccount.ID, newCreditBalance)
	return nil
}

// checkLimits enforces the overdraft floor and the optional ceiling. Platform
// and commission accounts are exempt from the floor.
func checkLimits(account *domain.Account, newBalance int64) error {
	if !account.CreditNormal() && newBalance < account.MinBalance {
		return fmt.Errorf("%w: %s would fall below minimum balance", ErrInsufficientFunds, account.AccountNumber)
	}
	if account.MaxBalance != nil && newBalance > *account.MaxBalance {
		return fmt.Errorf("%w: %s", ErrBalanceLimit, account.AccountNumber)
	}
	return nil
}

// PostOnce posts keyed by the posting's business reference. If a posting for
// the same (ReferenceKind, ReferenceID) already exists it is returned with
// created=false and nothing is written.
func (s *Service) PostOnce(ctx context.Context, posting *domain.Posting) (created bool, err error) {
	existing, err := s.repo.FindPostingByReference(ctx, posting.ReferenceKind, posting.ReferenceID)
	if err == nil {
		*posting = *existing
		return false, nil
	}
	if !errors.Is(err, store.ErrPostingNotFound) {
		return false, err
	}
	if err := s.Post(ctx, posting); err != nil {
		return false, err
	}
	return true, nil
}

// Balance derives an account's balance from the journal and refreshes the
// cached read hint.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	balance, err := s.balanceOf(ctx, account)
	if err != nil {
		return 0, err
	}
	_ = s.repo.UpdateCachedBalance(ctx, account.ID, balance)
	return balance, nil
}

func (s *Service) balanceOf(ctx context.Context, account *domain.Account) (int64, error) {
	debits, credits, err := s.repo.SumPostingLegs(ctx, account.ID)
	if err != nil {
		return 0, err
	}
	if account.CreditNormal() {
		return credits - debits, nil
	}
	return debits - credits, nil
}

// Reverse writes a new posting that undoes an earlier one by swapping its
// legs. The original is never edited; the journal stays append-only.
func (s *Service) Reverse(ctx context.Context, postingID uuid.UUID, description string) (*domain.Posting, error) {
	original, err := s.repo.FindPostingByID(ctx, postingID)
	if err != nil {
		return nil, err
	}
	reversal := &domain.Posting{
		ID:              uuid.New(),
		DebitAccountID:  original.CreditAccountID,
		CreditAccountID: original.DebitAccountID,
		Amount:          original.Amount,
		EntryKind:       domain.EntryAdjustment,
		Description:     description,
		ReferenceKind:   "reversal",
		ReferenceID:     original.ID,
	}
	if _, err := s.PostOnce(ctx, reversal); err != nil {
		return nil, err
	}
	return reversal, nil
}
