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

type mandateRepoStub struct {
	*paymentRepoStub

	mandates   map[uuid.UUID]*domain.Mandate
	executions map[uuid.UUID]*domain.MandateExecution
	retryDue   []uuid.UUID
}

func newMandateRepoStub(providerCfg *domain.ProviderConfig, accounts ...*domain.Account) *mandateRepoStub {
	return &mandateRepoStub{
		paymentRepoStub: newPaymentRepoStub(providerCfg, accounts...),
		mandates:        make(map[uuid.UUID]*domain.Mandate),
		executions:      make(map[uuid.UUID]*domain.MandateExecution),
	}
}

func (s *mandateRepoStub) CreateMandate(ctx context.Context, mandate *domain.Mandate) error {
	copied := *mandate
	s.mandates[mandate.ID] = &copied
	return nil
}

func (s *mandateRepoStub) FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	m, ok := s.mandates[mandateID]
	if !ok {
		return nil, store.ErrMandateNotFound
	}
	return m, nil
}

func (s *mandateRepoStub) FindMandateByRef(ctx context.Context, ref string) (*domain.Mandate, error) {
	for _, m := range s.mandates {
		if m.Ref == ref {
			return m, nil
		}
	}
	return nil, store.ErrMandateNotFound
}

func (s *mandateRepoStub) SetMandateProviderID(ctx context.Context, mandateID uuid.UUID, providerMandateID string) error {
	if m, ok := s.mandates[mandateID]; ok {
		m.ProviderMandateID = &providerMandateID
	}
	return nil
}

func (s *mandateRepoStub) TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, to string, from ...string) (bool, error) {
	m, ok := s.mandates[mandateID]
	if !ok {
		return false, store.ErrMandateNotFound
	}
	for _, f := range from {
		if m.Status == f {
			m.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *mandateRepoStub) CreateMandateExecution(ctx context.Context, execution *domain.MandateExecution) error {
	copied := *execution
	s.executions[execution.ID] = &copied
	return nil
}

func (s *mandateRepoStub) UpdateExecutionRetry(ctx context.Context, executionID uuid.UUID, retryCount int, nextRetryAt *time.Time) error {
	e, ok := s.executions[executionID]
	if !ok {
		return store.ErrExecutionNotFound
	}
	e.RetryCount = retryCount
	e.NextRetryAt = nextRetryAt
	return nil
}

func (s *mandateRepoStub) RecordExecutionFailure(ctx context.Context, txnID uuid.UUID) error {
	for _, e := range s.executions {
		if e.TransactionID == txnID && e.NextRetryAt != nil {
			e.RetryCount++
		}
	}
	return nil
}

func (s *mandateRepoStub) AdvanceMandateSchedule(ctx context.Context, mandateID uuid.UUID, lastChargedAt, nextChargeAt *time.Time) error {
	m, ok := s.mandates[mandateID]
	if !ok {
		return store.ErrMandateNotFound
	}
	if lastChargedAt != nil {
		m.LastChargedAt = lastChargedAt
	}
	m.NextChargeAt = nextChargeAt
	return nil
}

func (s *mandateRepoStub) FindMandatesDueForCharge(ctx context.Context, now time.Time, limit int) ([]domain.Mandate, error) {
	var due []domain.Mandate
	for _, m := range s.mandates {
		if m.Status == domain.MandateActive && m.NextChargeAt != nil && !m.NextChargeAt.After(now) {
			due = append(due, *m)
		}
	}
	return due, nil
}

func (s *mandateRepoStub) FindExecutionsDueForRetry(ctx context.Context, now time.Time, maxRetries int, limit int) ([]domain.MandateExecution, error) {
	var out []domain.MandateExecution
	for _, id := range s.retryDue {
		if e, ok := s.executions[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

func newTestMandateService(repo store.Repository, gateway provider.Gateway) *MandateService {
	return NewMandateService(repo, ledger.NewService(repo), provider.NewRegistry(gateway), &stubPublisher{}, MandateConfig{
		Currency:             "INR",
		DefaultProviderCode:  "demo",
		PlatformVPA:          "platform@superupi",
		ChargeExpiry:         24 * time.Hour,
		MaxRetries:           3,
		PaymentEventExchange: "payments.events",
	})
}

func seedActiveMandate(t *testing.T, repo *mandateRepoStub, orgID uuid.UUID) *domain.Mandate {
	t.Helper()
	mandate := &domain.Mandate{
		ID:             uuid.New(),
		Ref:            newMandateRef(),
		PayerVPA:       "payer@upi",
		PayeeVPA:       "platform@superupi",
		UserID:         uuid.New(),
		OrganizationID: orgID,
		Purpose:        "ads_wallet",
		MaxAmount:      50000,
		Frequency:      domain.FreqMonthly,
		StartDate:      time.Now().UTC(),
		Status:         domain.MandateActive,
		ProviderCode:   "demo",
	}
	if err := repo.CreateMandate(context.Background(), mandate); err != nil {
		t.Fatalf("seed mandate: %v", err)
	}
	return repo.mandates[mandate.ID]
}

func TestRetryBackoffDoubles(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Hour},
		{1, 4 * time.Hour},
		{2, 8 * time.Hour},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.retryCount); got != tc.want {
			t.Fatalf("retryBackoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestNextChargeTime(t *testing.T) {
	from := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	next, err := nextChargeTime(from, domain.FreqDaily)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if !next.Equal(from.AddDate(0, 0, 1)) {
		t.Fatalf("daily next = %v", next)
	}

	next, err = nextChargeTime(from, domain.FreqAsRequired)
	if err != nil {
		t.Fatalf("as_required: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no scheduled charge for as_required, got %v", next)
	}

	if _, err := nextChargeTime(from, "fortnightly"); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("expected ErrInvalidFrequency, got %v", err)
	}
}

func TestChargeNow_RejectsAmountAboveMandateLimit(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	if _, err := svc.ChargeNow(context.Background(), mandate.Ref, mandate.MaxAmount+1); !errors.Is(err, ErrChargeExceedsLimit) {
		t.Fatalf("expected ErrChargeExceedsLimit, got %v", err)
	}
	if len(repo.txns) != 0 {
		t.Fatalf("expected no transactions, got %d", len(repo.txns))
	}
}

func TestChargeNow_RejectsInactiveMandate(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)
	mandate.Status = domain.MandatePaused

	if _, err := svc.ChargeNow(context.Background(), mandate.Ref, 1000); !errors.Is(err, ErrMandateNotActive) {
		t.Fatalf("expected ErrMandateNotActive, got %v", err)
	}
}

func TestChargeNow_ArmsRetryWindowAndDispatches(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	before := time.Now().UTC()
	execution, err := svc.ChargeNow(context.Background(), mandate.Ref, 25000)
	if err != nil {
		t.Fatalf("ChargeNow failed: %v", err)
	}

	if execution.RetryCount != 0 {
		t.Fatalf("expected first attempt, got retry count %d", execution.RetryCount)
	}
	if execution.NextRetryAt == nil {
		t.Fatal("expected the retry slot to be armed")
	}
	earliest := before.Add(retryBackoff(0))
	if execution.NextRetryAt.Before(earliest.Add(-time.Minute)) || execution.NextRetryAt.After(earliest.Add(time.Minute)) {
		t.Fatalf("retry slot %v not near %v", execution.NextRetryAt, earliest)
	}

	txn, ok := repo.txns[execution.TransactionID]
	if !ok {
		t.Fatal("expected the charge transaction to exist")
	}
	if txn.Status != domain.TxnPending {
		t.Fatalf("expected pending charge, got %s", txn.Status)
	}
	if txn.Kind != domain.TxnKindMandate || txn.Method != domain.MethodCollect {
		t.Fatalf("expected mandate collect transaction, got kind=%s method=%s", txn.Kind, txn.Method)
	}
}

func TestChargeNow_StopsArmingRetriesAtCap(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	execution, err := svc.charge(context.Background(), mandate, 1000, domain.TriggerManual, 3)
	if err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	if execution.NextRetryAt != nil {
		t.Fatal("expected no retry slot at the cap")
	}
}

func TestRetryFailedExecutions_SkipsInactiveMandateAndDetaches(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)
	mandate.Status = domain.MandateRevoked

	at := time.Now().UTC().Add(-time.Hour)
	execution := &domain.MandateExecution{
		ID:            uuid.New(),
		MandateID:     mandate.ID,
		TransactionID: uuid.New(),
		Amount:        1000,
		Trigger:       domain.TriggerScheduled,
		RetryCount:    1,
		NextRetryAt:   &at,
	}
	if err := repo.CreateMandateExecution(context.Background(), execution); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	repo.retryDue = []uuid.UUID{execution.ID}

	if err := svc.RetryFailedExecutions(context.Background()); err != nil {
		t.Fatalf("RetryFailedExecutions failed: %v", err)
	}
	if len(repo.txns) != 0 {
		t.Fatalf("expected no retry dispatch for a revoked mandate, got %d transactions", len(repo.txns))
	}
	if repo.executions[execution.ID].NextRetryAt != nil {
		t.Fatal("expected the execution to be detached from the retry sweep")
	}
}

func TestRetryFailedExecutions_DispatchesNextAttempt(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	// One recorded failure, backoff elapsed.
	at := time.Now().UTC().Add(-time.Hour)
	execution := &domain.MandateExecution{
		ID:            uuid.New(),
		MandateID:     mandate.ID,
		TransactionID: uuid.New(),
		Amount:        2000,
		Trigger:       domain.TriggerScheduled,
		RetryCount:    1,
		NextRetryAt:   &at,
	}
	if err := repo.CreateMandateExecution(context.Background(), execution); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	repo.retryDue = []uuid.UUID{execution.ID}

	before := time.Now().UTC()
	if err := svc.RetryFailedExecutions(context.Background()); err != nil {
		t.Fatalf("RetryFailedExecutions failed: %v", err)
	}

	if len(repo.executions) != 2 {
		t.Fatalf("expected a new execution for the retry, got %d", len(repo.executions))
	}
	for id, e := range repo.executions {
		if id == execution.ID {
			continue
		}
		if e.RetryCount != 1 {
			t.Fatalf("expected the retry to carry attempt ordinal 1, got %d", e.RetryCount)
		}
		if e.NextRetryAt == nil {
			t.Fatal("expected the next retry slot to be armed")
		}
		earliest := before.Add(retryBackoff(1))
		if e.NextRetryAt.Before(earliest.Add(-time.Minute)) || e.NextRetryAt.After(earliest.Add(time.Minute)) {
			t.Fatalf("retry slot %v not near %v", e.NextRetryAt, earliest)
		}
		if e.Amount != execution.Amount || e.Trigger != execution.Trigger {
			t.Fatal("retry must carry the original amount and trigger")
		}
	}
}

func TestRunScheduledCharges_PrefersConfiguredChargeAmount(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	autoAmount := int64(15000)
	mandate.AutoChargeAmount = &autoAmount
	due := time.Now().UTC().Add(-time.Minute)
	mandate.NextChargeAt = &due

	if err := svc.RunScheduledCharges(context.Background()); err != nil {
		t.Fatalf("RunScheduledCharges failed: %v", err)
	}

	if len(repo.txns) != 1 {
		t.Fatalf("expected 1 charge transaction, got %d", len(repo.txns))
	}
	for _, txn := range repo.txns {
		if txn.Amount != autoAmount {
			t.Fatalf("expected charge amount %d, got %d", autoAmount, txn.Amount)
		}
	}
	if mandate.LastChargedAt == nil {
		t.Fatal("expected last_charged_at to be stamped")
	}
	if mandate.NextChargeAt == nil || !mandate.NextChargeAt.After(time.Now().UTC()) {
		t.Fatal("expected the schedule to advance to the next cycle")
	}
}

func TestRunScheduledCharges_FailedDispatchLeavesCycleToRetryChain(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{chargeErr: errors.New("issuer unavailable")})
	mandate := seedActiveMandate(t, repo, orgID)

	due := time.Now().UTC().Add(-time.Minute)
	mandate.NextChargeAt = &due

	before := time.Now().UTC()
	if err := svc.RunScheduledCharges(context.Background()); err != nil {
		t.Fatalf("RunScheduledCharges failed: %v", err)
	}

	if len(repo.executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(repo.executions))
	}
	for _, e := range repo.executions {
		if e.RetryCount != 1 {
			t.Fatalf("expected retry count 1 after the first failure, got %d", e.RetryCount)
		}
		if e.NextRetryAt == nil {
			t.Fatal("expected the retry slot to be armed")
		}
		earliest := before.Add(retryBackoff(0))
		if e.NextRetryAt.Before(earliest.Add(-time.Minute)) || e.NextRetryAt.After(earliest.Add(time.Minute)) {
			t.Fatalf("retry slot %v not near %v", e.NextRetryAt, earliest)
		}
	}
	for _, txn := range repo.txns {
		if txn.Status != domain.TxnFailed {
			t.Fatalf("expected failed charge, got %s", txn.Status)
		}
	}
	if mandate.Status != domain.MandateActive {
		t.Fatalf("expected the mandate to stay active, got %s", mandate.Status)
	}
	if mandate.LastChargedAt != nil {
		t.Fatal("a failed dispatch must not stamp last_charged_at")
	}
	if mandate.NextChargeAt == nil || !mandate.NextChargeAt.After(time.Now().UTC()) {
		t.Fatal("expected the schedule to move to the next cycle")
	}
}

func TestApplyStatus_FailedChargeBumpsExecutionRetry(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	payments := newTestPaymentService(repo, &stubGateway{}, &stubPublisher{})
	mandate := seedActiveMandate(t, repo, orgID)

	execution, err := svc.ChargeNow(context.Background(), mandate.Ref, 5000)
	if err != nil {
		t.Fatalf("ChargeNow failed: %v", err)
	}
	txn := repo.txns[execution.TransactionID]

	applied, err := payments.ApplyStatus(context.Background(), txn, domain.StatusResult{Status: domain.TxnFailed, Reason: "collect declined"})
	if err != nil || !applied {
		t.Fatalf("ApplyStatus = (%v, %v), want applied", applied, err)
	}
	if got := repo.executions[execution.ID].RetryCount; got != 1 {
		t.Fatalf("expected retry count 1 after the webhook failure, got %d", got)
	}

	// The replayed failure report is a no-op and must not bump again.
	if applied, err := payments.ApplyStatus(context.Background(), txn, domain.StatusResult{Status: domain.TxnFailed, Reason: "collect declined"}); err != nil || applied {
		t.Fatalf("replay = (%v, %v), want no-op", applied, err)
	}
	if got := repo.executions[execution.ID].RetryCount; got != 1 {
		t.Fatalf("expected retry count to stay 1 on replay, got %d", got)
	}
}

func TestApplyMandateEvent_RevokeIsIdempotent(t *testing.T) {
	orgID := uuid.New()
	repo := newMandateRepoStub(demoProviderConfig(), testMerchantAccount(orgID), testPlatformAccount())
	svc := newTestMandateService(repo, &stubGateway{})
	mandate := seedActiveMandate(t, repo, orgID)

	if err := svc.ApplyMandateEvent(context.Background(), mandate, domain.EventMandateRevoked); err != nil {
		t.Fatalf("revoke event failed: %v", err)
	}
	if repo.mandates[mandate.ID].Status != domain.MandateRevoked {
		t.Fatalf("expected revoked, got %s", repo.mandates[mandate.ID].Status)
	}

	if err := svc.ApplyMandateEvent(context.Background(), repo.mandates[mandate.ID], domain.EventMandateRevoked); err != nil {
		t.Fatalf("expected the replay to be a no-op, got %v", err)
	}
}
