package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/ledger"
	"github.com/superplatform/payments-service/internal/store"
	"github.com/superplatform/payments-service/pkg/provider"
)

// paymentRepoStub is the shared in-memory repository for the service tests.
// The Mark* methods mirror the compare-and-set semantics of the real store:
// a transition from a wrong current status reports applied=false, not an error.
type paymentRepoStub struct {
	store.Repository

	providerCfg *domain.ProviderConfig
	accounts    map[uuid.UUID]*domain.Account
	txns        map[uuid.UUID]*domain.Transaction
	postings    []*domain.Posting
	stale       []uuid.UUID
}

func newPaymentRepoStub(providerCfg *domain.ProviderConfig, accounts ...*domain.Account) *paymentRepoStub {
	s := &paymentRepoStub{
		providerCfg: providerCfg,
		accounts:    make(map[uuid.UUID]*domain.Account),
		txns:        make(map[uuid.UUID]*domain.Transaction),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *paymentRepoStub) FindProviderByCode(ctx context.Context, code string) (*domain.ProviderConfig, error) {
	if s.providerCfg == nil || s.providerCfg.Code != code {
		return nil, store.ErrProviderNotFound
	}
	return s.providerCfg, nil
}

func (s *paymentRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return a, nil
}

func (s *paymentRepoStub) FindAccountByOwner(ctx context.Context, kind string, orgID, userID *uuid.UUID) (*domain.Account, error) {
	for _, a := range s.accounts {
		if a.Kind != kind {
			continue
		}
		if orgID != nil && (a.OrganizationID == nil || *a.OrganizationID != *orgID) {
			continue
		}
		if userID != nil && (a.UserID == nil || *a.UserID != *userID) {
			continue
		}
		return a, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *paymentRepoStub) UpdateCachedBalance(ctx context.Context, accountID uuid.UUID, balance int64) error {
	return nil
}

func (s *paymentRepoStub) InsertPosting(ctx context.Context, posting *domain.Posting) error {
	copied := *posting
	s.postings = append(s.postings, &copied)
	return nil
}

func (s *paymentRepoStub) FindPostingByReference(ctx context.Context, referenceKind string, referenceID uuid.UUID) (*domain.Posting, error) {
	for _, p := range s.postings {
		if p.ReferenceKind == referenceKind && p.ReferenceID == referenceID {
			return p, nil
		}
	}
	return nil, store.ErrPostingNotFound
}

func (s *paymentRepoStub) SumPostingLegs(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
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

func (s *paymentRepoStub) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	copied := *txn
	s.txns[txn.ID] = &copied
	return nil
}

func (s *paymentRepoStub) FindTransactionByID(ctx context.Context, txnID uuid.UUID) (*domain.Transaction, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *paymentRepoStub) FindTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	for _, txn := range s.txns {
		if txn.Ref == ref {
			return txn, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (s *paymentRepoStub) MarkTransactionPending(ctx context.Context, txnID uuid.UUID, providerRef *string) (bool, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if txn.Status != domain.TxnInitiated {
		return false, nil
	}
	txn.Status = domain.TxnPending
	txn.ProviderRef = providerRef
	return true, nil
}

func (s *paymentRepoStub) MarkTransactionProcessing(ctx context.Context, txnID uuid.UUID) (bool, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if txn.Status != domain.TxnPending {
		return false, nil
	}
	txn.Status = domain.TxnProcessing
	return true, nil
}

func (s *paymentRepoStub) MarkTransactionSuccess(ctx context.Context, txnID uuid.UUID, networkRef *string, completedAt time.Time) (bool, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if txn.Status != domain.TxnPending && txn.Status != domain.TxnProcessing {
		return false, nil
	}
	txn.Status = domain.TxnSuccess
	txn.NetworkRef = networkRef
	txn.CompletedAt = &completedAt
	return true, nil
}

func (s *paymentRepoStub) MarkTransactionFailed(ctx context.Context, txnID uuid.UUID, failureReason string) (bool, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if domain.TxnTerminal(txn.Status) {
		return false, nil
	}
	txn.Status = domain.TxnFailed
	txn.FailureReason = &failureReason
	return true, nil
}

func (s *paymentRepoStub) MarkTransactionCancelled(ctx context.Context, txnID uuid.UUID) (bool, error) {
	txn, ok := s.txns[txnID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if txn.Status != domain.TxnInitiated && txn.Status != domain.TxnPending {
		return false, nil
	}
	txn.Status = domain.TxnCancelled
	return true, nil
}

func (s *paymentRepoStub) FindStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, id := range s.stale {
		if txn, ok := s.txns[id]; ok {
			out = append(out, *txn)
		}
	}
	return out, nil
}

func (s *paymentRepoStub) SetTransactionWebhookReceived(ctx context.Context, txnID uuid.UUID) error {
	if txn, ok := s.txns[txnID]; ok {
		txn.WebhookReceived = true
	}
	return nil
}

// stubGateway is a configurable in-memory provider gateway.
type stubGateway struct {
	code             string
	createPaymentErr error
	chargeErr        error
	payoutErr        error
	statusResult     *domain.StatusResult
	statementRows    []domain.StatementRow
}

func (g *stubGateway) Code() string {
	if g.code == "" {
		return "demo"
	}
	return g.code
}

func (g *stubGateway) CreatePayment(ctx context.Context, txn *domain.Transaction) (*provider.CreatePaymentResult, error) {
	if g.createPaymentErr != nil {
		return nil, g.createPaymentErr
	}
	return &provider.CreatePaymentResult{
		ProviderRef: "prov_" + txn.Ref,
		Artifacts:   domain.PaymentArtifacts{IntentURL: "upi://pay?tr=" + txn.Ref},
	}, nil
}

func (g *stubGateway) CheckStatus(ctx context.Context, txn *domain.Transaction) (*domain.StatusResult, error) {
	if g.statusResult != nil {
		return g.statusResult, nil
	}
	return &domain.StatusResult{Status: domain.TxnPending}, nil
}

func (g *stubGateway) CreateMandate(ctx context.Context, mandate *domain.Mandate) (string, error) {
	return "prov_mnd_" + mandate.Ref, nil
}

func (g *stubGateway) ChargeMandate(ctx context.Context, mandate *domain.Mandate, txn *domain.Transaction) (string, error) {
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	return "prov_charge_" + txn.Ref, nil
}

func (g *stubGateway) RevokeMandate(ctx context.Context, mandate *domain.Mandate) error {
	return nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, refund *domain.Refund, original *domain.Transaction) (string, error) {
	return "prov_ref_" + refund.Ref, nil
}

func (g *stubGateway) CreatePayout(ctx context.Context, settlement *domain.Settlement) (string, error) {
	if g.payoutErr != nil {
		return "", g.payoutErr
	}
	return "prov_payout_" + settlement.Ref, nil
}

func (g *stubGateway) FetchStatement(ctx context.Context, from, to time.Time) ([]domain.StatementRow, error) {
	return g.statementRows, nil
}

// stubPublisher records routing keys instead of talking to a broker.
type stubPublisher struct {
	keys []string
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *stubPublisher) Close() {}

func demoProviderConfig() *domain.ProviderConfig {
	return &domain.ProviderConfig{
		ID:            uuid.New(),
		Name:          "Demo UPI",
		Code:          "demo",
		WebhookSecret: "whsec_test",
		Active:        true,
	}
}

func testMerchantAccount(orgID uuid.UUID) *domain.Account {
	return &domain.Account{
		ID:             uuid.New(),
		AccountNumber:  "MER001",
		Kind:           domain.AccountMerchant,
		OrganizationID: &orgID,
		Active:         true,
	}
}

func testPlatformAccount() *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "PLT001",
		Kind:          domain.AccountPlatform,
		Active:        true,
	}
}

func testCommissionAccount() *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "COM001",
		Kind:          domain.AccountCommission,
		Active:        true,
	}
}

func testEscrowAccount() *domain.Account {
	return &domain.Account{
		ID:            uuid.New(),
		AccountNumber: "ESC001",
		Kind:          domain.AccountEscrow,
		Active:        true,
	}
}

func newTestPaymentService(repo store.Repository, gateway provider.Gateway, publisher *stubPublisher) *PaymentService {
	return NewPaymentService(repo, ledger.NewService(repo), provider.NewRegistry(gateway), nil, publisher, PaymentConfig{
		Currency:             "INR",
		DefaultProviderCode:  "demo",
		PlatformVPA:          "platform@superupi",
		PaymentExpiry:        15 * time.Minute,
		PollAfter:            5 * time.Minute,
		PaymentEventExchange: "payments.events",
	})
}

func pendingTransaction(orgID uuid.UUID) *domain.Transaction {
	return &domain.Transaction{
		ID:             uuid.New(),
		Ref:            newTxnRef(),
		Amount:         10000,
		Currency:       "INR",
		PayerVPA:       "payer@upi",
		PayeeVPA:       "platform@superupi",
		UserID:         uuid.New(),
		OrganizationID: &orgID,
		Kind:           domain.TxnKindPayment,
		Method:         domain.MethodIntent,
		ProviderCode:   "demo",
		Status:         domain.TxnPending,
		ExpiresAt:      time.Now().UTC().Add(15 * time.Minute),
	}
}

func TestInitiatePayment_RejectsInvalidInput(t *testing.T) {
	orgID := uuid.New()
	repo := newPaymentRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestPaymentService(repo, &stubGateway{}, &stubPublisher{})

	_, _, err := svc.InitiatePayment(context.Background(), uuid.New(), &orgID, domain.InitiatePaymentRequest{
		Amount: 0,
		Method: domain.MethodIntent,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	_, _, err = svc.InitiatePayment(context.Background(), uuid.New(), &orgID, domain.InitiatePaymentRequest{
		Amount: 5000,
		Method: "card",
	})
	if !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
}

func TestInitiatePayment_MarksFailedOnProviderRejection(t *testing.T) {
	orgID := uuid.New()
	repo := newPaymentRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	gateway := &stubGateway{createPaymentErr: errors.New("upstream timeout")}
	svc := newTestPaymentService(repo, gateway, &stubPublisher{})

	_, _, err := svc.InitiatePayment(context.Background(), uuid.New(), &orgID, domain.InitiatePaymentRequest{
		Amount:   5000,
		Method:   domain.MethodIntent,
		PayerVPA: "payer@upi",
	})
	if err == nil {
		t.Fatal("expected provider rejection to surface")
	}
	if len(repo.txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(repo.txns))
	}
	for _, txn := range repo.txns {
		if txn.Status != domain.TxnFailed {
			t.Fatalf("expected failed transaction, got %s", txn.Status)
		}
	}
}

func TestApplyStatus_IgnoresReportForTerminalTransaction(t *testing.T) {
	orgID := uuid.New()
	repo := newPaymentRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestPaymentService(repo, &stubGateway{}, &stubPublisher{})

	txn := pendingTransaction(orgID)
	txn.Status = domain.TxnSuccess
	if err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	applied, err := svc.ApplyStatus(context.Background(), txn, domain.StatusResult{Status: domain.TxnFailed})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applied {
		t.Fatal("expected a terminal transaction to ignore the report")
	}
	if len(repo.postings) != 0 {
		t.Fatalf("expected no postings, got %d", len(repo.postings))
	}
}

func TestApplyStatus_SuccessPostsExactlyOneEntry(t *testing.T) {
	orgID := uuid.New()
	merchant := testMerchantAccount(orgID)
	platform := testPlatformAccount()
	repo := newPaymentRepoStub(demoProviderConfig(), merchant, platform)
	publisher := &stubPublisher{}
	svc := newTestPaymentService(repo, &stubGateway{}, publisher)

	txn := pendingTransaction(orgID)
	if err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	networkRef := "UPI123456"
	applied, err := svc.ApplyStatus(context.Background(), txn, domain.StatusResult{
		Status:     domain.TxnSuccess,
		NetworkRef: &networkRef,
	})
	if err != nil {
		t.Fatalf("ApplyStatus failed: %v", err)
	}
	if !applied {
		t.Fatal("expected the success transition to apply")
	}

	if len(repo.postings) != 1 {
		t.Fatalf("expected exactly 1 posting, got %d", len(repo.postings))
	}
	posting := repo.postings[0]
	if posting.DebitAccountID != merchant.ID || posting.CreditAccountID != platform.ID {
		t.Fatal("posting legs do not match recipient and platform accounts")
	}
	if posting.Amount != txn.Amount {
		t.Fatalf("expected posting amount %d, got %d", txn.Amount, posting.Amount)
	}
	if posting.ReferenceID != txn.ID {
		t.Fatal("posting is not keyed by the transaction")
	}

	// A replayed success report must neither transition nor post again.
	stored, err := repo.FindTransactionByRef(context.Background(), txn.Ref)
	if err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	applied, err = svc.ApplyStatus(context.Background(), stored, domain.StatusResult{
		Status:     domain.TxnSuccess,
		NetworkRef: &networkRef,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if applied {
		t.Fatal("expected the replay to be a no-op")
	}
	if len(repo.postings) != 1 {
		t.Fatalf("expected 1 posting after replay, got %d", len(repo.postings))
	}
}

func TestApplyStatus_FailedUsesDefaultReason(t *testing.T) {
	orgID := uuid.New()
	repo := newPaymentRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestPaymentService(repo, &stubGateway{}, &stubPublisher{})

	txn := pendingTransaction(orgID)
	if err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	applied, err := svc.ApplyStatus(context.Background(), txn, domain.StatusResult{Status: domain.TxnFailed})
	if err != nil {
		t.Fatalf("ApplyStatus failed: %v", err)
	}
	if !applied {
		t.Fatal("expected the failure transition to apply")
	}
	stored := repo.txns[txn.ID]
	if stored.FailureReason == nil || *stored.FailureReason != "provider reported failure" {
		t.Fatalf("expected default failure reason, got %v", stored.FailureReason)
	}
	if len(repo.postings) != 0 {
		t.Fatalf("expected no postings for a failed payment, got %d", len(repo.postings))
	}
}

func TestCancelPayment_ConflictOnTerminalTransaction(t *testing.T) {
	orgID := uuid.New()
	repo := newPaymentRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestPaymentService(repo, &stubGateway{}, &stubPublisher{})

	txn := pendingTransaction(orgID)
	txn.Status = domain.TxnSuccess
	if err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	if _, err := svc.CancelPayment(context.Background(), txn.Ref); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestPollPendingPayments_ConvergesOnProviderStatus(t *testing.T) {
	orgID := uuid.New()
	merchant := testMerchantAccount(orgID)
	repo := newPaymentRepoStub(demoProviderConfig(), merchant, testPlatformAccount())
	networkRef := "UPI999"
	gateway := &stubGateway{statusResult: &domain.StatusResult{
		Status:     domain.TxnSuccess,
		NetworkRef: &networkRef,
	}}
	svc := newTestPaymentService(repo, gateway, &stubPublisher{})

	txn := pendingTransaction(orgID)
	if err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	repo.stale = []uuid.UUID{txn.ID}

	if err := svc.PollPendingPayments(context.Background()); err != nil {
		t.Fatalf("PollPendingPayments failed: %v", err)
	}
	if repo.txns[txn.ID].Status != domain.TxnSuccess {
		t.Fatalf("expected success after poll, got %s", repo.txns[txn.ID].Status)
	}
	if len(repo.postings) != 1 {
		t.Fatalf("expected 1 posting after poll, got %d", len(repo.postings))
	}
}
