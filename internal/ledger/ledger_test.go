package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/store"
)

type ledgerRepoStub struct {
	store.Repository

	accounts map[uuid.UUID]*domain.Account
	postings []*domain.Posting
	cached   map[uuid.UUID]int64
}

func newLedgerRepoStub(accounts ...*domain.Account) *ledgerRepoStub {
	s := &ledgerRepoStub{
		accounts: make(map[uuid.UUID]*domain.Account),
		cached:   make(map[uuid.UUID]int64),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *ledgerRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return a, nil
}

func (s *ledgerRepoStub) InsertPosting(ctx context.Context, posting *domain.Posting) error {
	copied := *posting
	s.postings = append(s.postings, &copied)
	return nil
}

func (s *ledgerRepoStub) FindPostingByID(ctx context.Context, postingID uuid.UUID) (*domain.Posting, error) {
	for _, p := range s.postings {
		if p.ID == postingID {
			return p, nil
		}
	}
	return nil, store.ErrPostingNotFound
}

func (s *ledgerRepoStub) FindPostingByReference(ctx context.Context, referenceKind string, referenceID uuid.UUID) (*domain.Posting, error) {
	for _, p := range s.postings {
		if p.ReferenceKind == referenceKind && p.ReferenceID == referenceID {
			return p, nil
		}
	}
	return nil, store.ErrPostingNotFound
}

func (s *ledgerRepoStub) SumPostingLegs(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
	var debits, credits int64
	for _, p := range s.postings {
		if p.DebitAccountID == accountID {
			debits += p.Amount
		}
		if p.CreditAccountID == accountID {
			credits += p.Amount
		}
	}
	return debits, credits, nil
}

func (s *ledgerRepoStub) UpdateCachedBalance(ctx context.Context, accountID uuid.UUID, balance int64) error {
	s.cached[accountID] = balance
	return nil
}

func merchantAccount() *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "MER001",
		Kind:          domain.AccountMerchant,
		Active:        true,
	}
}

func platformAccount() *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "PLT001",
		Kind:          domain.AccountPlatform,
		Active:        true,
	}
}

func TestPost_RejectsNonPositiveAmount(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	svc := NewService(newLedgerRepoStub(merchant, platform))

	err := svc.Post(context.Background(), &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: platform.ID,
		Amount:          0,
		EntryKind:       domain.EntryPayment,
	})
	if !errors.Is(err, ErrInvalidPosting) {
		t.Fatalf("expected ErrInvalidPosting, got %v", err)
	}
}

func TestPost_RejectsSameAccountOnBothLegs(t *testing.T) {
	merchant := merchantAccount()
	svc := NewService(newLedgerRepoStub(merchant))

	err := svc.Post(context.Background(), &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: merchant.ID,
		Amount:          100,
		EntryKind:       domain.EntryPayment,
	})
	if !errors.Is(err, ErrInvalidPosting) {
		t.Fatalf("expected ErrInvalidPosting, got %v", err)
	}
}

func TestPost_RejectsBlockedAccount(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	merchant.Blocked = true
	svc := NewService(newLedgerRepoStub(merchant, platform))

	err := svc.Post(context.Background(), &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: platform.ID,
		Amount:          100,
		EntryKind:       domain.EntryPayment,
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestBalance_SplitsByAccountKind(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	repo := newLedgerRepoStub(merchant, platform)
	svc := NewService(repo)
	ctx := context.Background()

	// Two payments debit the merchant receivable and credit platform income.
	for _, amount := range []int64{10000, 2500} {
		err := svc.Post(ctx, &domain.Posting{
			DebitAccountID:  merchant.ID,
			CreditAccountID: platform.ID,
			Amount:          amount,
			EntryKind:       domain.EntryPayment,
			ReferenceKind:   "upi_transaction",
			ReferenceID:     uuid.New(),
		})
		if err != nil {
			t.Fatalf("post failed: %v", err)
		}
	}

	merchantBalance, err := svc.Balance(ctx, merchant.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if merchantBalance != 12500 {
		t.Fatalf("expected merchant balance 12500 (debits - credits), got %d", merchantBalance)
	}

	platformBalance, err := svc.Balance(ctx, platform.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if platformBalance != 12500 {
		t.Fatalf("expected platform balance 12500 (credits - debits), got %d", platformBalance)
	}
}

func TestPost_RejectsOverdraftForNonExemptAccount(t *testing.T) {
	consumer := &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "CON001",
		Kind:          domain.AccountConsumer,
		MinBalance:    0,
		Active:        true,
	}
	escrow := &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "ESC001",
		Kind:          domain.AccountEscrow,
		MinBalance:    0,
		Active:        true,
	}
	repo := newLedgerRepoStub(consumer, escrow)
	svc := NewService(repo)
	ctx := context.Background()

	// Credit-leg debiting the consumer's empty asset balance below zero.
	err := svc.Post(ctx, &domain.Posting{
		DebitAccountID:  escrow.ID,
		CreditAccountID: consumer.ID,
		Amount:          100,
		EntryKind:       domain.EntryAdjustment,
		ReferenceKind:   "adjustment",
		ReferenceID:     uuid.New(),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPost_AllowsPlatformBelowZero(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	repo := newLedgerRepoStub(merchant, platform)
	svc := NewService(repo)
	ctx := context.Background()

	commission := &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "COM001",
		Kind:          domain.AccountCommission,
		Active:        true,
	}
	repo.accounts[commission.ID] = commission

	// Fund the merchant receivable so its own floor is not the constraint.
	if err := svc.Post(ctx, &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: commission.ID,
		Amount:          10000,
		EntryKind:       domain.EntryPayment,
		ReferenceKind:   "upi_transaction",
		ReferenceID:     uuid.New(),
	}); err != nil {
		t.Fatalf("funding post failed: %v", err)
	}

	// A refund larger than platform income pushes platform below zero, which
	// is allowed; platform accounts are overdraft-exempt.
	err := svc.Post(ctx, &domain.Posting{
		DebitAccountID:  platform.ID,
		CreditAccountID: merchant.ID,
		Amount:          10000,
		EntryKind:       domain.EntryRefund,
		ReferenceKind:   "refund",
		ReferenceID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("expected platform overdraft to be allowed, got %v", err)
	}
	err = svc.Post(ctx, &domain.Posting{
		DebitAccountID:  platform.ID,
		CreditAccountID: merchant.ID,
		Amount:          1,
		EntryKind:       domain.EntryRefund,
		ReferenceKind:   "refund",
		ReferenceID:     uuid.New(),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected merchant floor to reject the second refund, got %v", err)
	}
}

func TestPostOnce_IsIdempotentPerReference(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	repo := newLedgerRepoStub(merchant, platform)
	svc := NewService(repo)
	ctx := context.Background()

	refID := uuid.New()
	first := &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: platform.ID,
		Amount:          10000,
		EntryKind:       domain.EntryPayment,
		ReferenceKind:   "upi_transaction",
		ReferenceID:     refID,
	}
	created, err := svc.PostOnce(ctx, first)
	if err != nil || !created {
		t.Fatalf("expected first post to create, got created=%v err=%v", created, err)
	}

	replay := &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: platform.ID,
		Amount:          10000,
		EntryKind:       domain.EntryPayment,
		ReferenceKind:   "upi_transaction",
		ReferenceID:     refID,
	}
	created, err = svc.PostOnce(ctx, replay)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if created {
		t.Fatal("expected replay to be a no-op")
	}
	if len(repo.postings) != 1 {
		t.Fatalf("expected exactly one posting, got %d", len(repo.postings))
	}
	if replay.ID != first.ID {
		t.Fatal("expected replay to surface the original posting")
	}
}

func TestReverse_SwapsLegs(t *testing.T) {
	merchant, platform := merchantAccount(), platformAccount()
	repo := newLedgerRepoStub(merchant, platform)
	svc := NewService(repo)
	ctx := context.Background()

	original := &domain.Posting{
		DebitAccountID:  merchant.ID,
		CreditAccountID: platform.ID,
		Amount:          7500,
		EntryKind:       domain.EntryPayment,
		ReferenceKind:   "upi_transaction",
		ReferenceID:     uuid.New(),
	}
	if err := svc.Post(ctx, original); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	reversal, err := svc.Reverse(ctx, original.ID, "operator correction")
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if reversal.DebitAccountID != platform.ID || reversal.CreditAccountID != merchant.ID {
		t.Fatal("expected reversal to swap debit and credit legs")
	}
	if reversal.Amount != original.Amount {
		t.Fatalf("expected reversal amount %d, got %d", original.Amount, reversal.Amount)
	}

	balance, err := svc.Balance(ctx, merchant.ID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected merchant balance back to 0 after reversal, got %d", balance)
	}

	// Reversing twice must not double-post.
	if _, err := svc.Reverse(ctx, original.ID, "operator correction"); err != nil {
		t.Fatalf("second reverse failed: %v", err)
	}
	if len(repo.postings) != 2 {
		t.Fatalf("expected 2 postings (original + one reversal), got %d", len(repo.postings))
	}
}
