/**
 * @description
 * This file implements the mandate lifecycle: creating standing instructions
 * with the provider, firing scheduled and balance-threshold charges, and
 * retrying failed charges with exponential backoff.
 *
 * Every charge attempt is one MandateExecution linked 1:1 to the collect
 * transaction that carries it. A failed attempt becomes eligible for retry
 * after 2^(n+1) hours and the retry chain stops at the configured cap; the
 * mandate itself stays active for its next cycle.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/ledger"
	"github.com/superplatform/payments-service/internal/store"
	"github.com/superplatform/payments-service/pkg/provider"
	"github.com/superplatform/payments-service/pkg/rabbitmq"
)

var (
	ErrInvalidFrequency   = errors.New("unknown mandate frequency")
	ErrMandateNotActive   = errors.New("mandate is not active")
	ErrChargeExceedsLimit = errors.New("charge amount exceeds the mandate limit")
)

// MandateConfig carries the tunables for the mandate lifecycle.
type MandateConfig struct {
	Currency             string
	DefaultProviderCode  string
	PlatformVPA          string
	ChargeExpiry         time.Duration
	MaxRetries           int
	PaymentEventExchange string
}

// MandateService provides the business logic for mandates.
type MandateService struct {
	repo          store.Repository
	ledger        *ledger.Service
	gateways      *provider.Registry
	eventProducer rabbitmq.Publisher
	cfg           MandateConfig
}

// NewMandateService creates a new mandate service instance.
func NewMandateService(repo store.Repository, ledgerSvc *ledger.Service, gateways *provider.Registry, producer rabbitmq.Publisher, cfg MandateConfig) *MandateService {
	if cfg.ChargeExpiry <= 0 {
		cfg.ChargeExpiry = 24 * time.Hour
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &MandateService{
		repo:          repo,
		ledger:        ledgerSvc,
		gateways:      gateways,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// nextChargeTime returns when the next scheduled charge after `from` fires,
// or nil for as_required mandates, which only charge on demand or threshold.
func nextChargeTime(from time.Time, frequency string) (*time.Time, error) {
	var next time.Time
	switch frequency {
	case domain.FreqDaily:
		next = from.AddDate(0, 0, 1)
	case domain.FreqWeekly:
		next = from.AddDate(0, 0, 7)
	case domain.FreqMonthly:
		next = from.AddDate(0, 0, 30)
	case domain.FreqQuarterly:
		next = from.AddDate(0, 0, 90)
	case domain.FreqYearly:
		next = from.AddDate(0, 0, 365)
	case domain.FreqAsRequired:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrequency, frequency)
	}
	return &next, nil
}

// retryBackoff returns how long after the n-th failed attempt the next retry
// becomes eligible: 2h, 4h, 8h for n = 0, 1, 2.
func retryBackoff(retryCount int) time.Duration {
	return time.Duration(1<<(retryCount+1)) * time.Hour
}

// CreateMandate registers a new standing instruction with the provider.
func (s *MandateService) CreateMandate(ctx context.Context, userID, orgID uuid.UUID, req domain.CreateMandateRequest) (*domain.Mandate, error) {
	if req.MaxAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !domain.ValidVPA(req.PayerVPA) {
		return nil, fmt.Errorf("%w: payer %q", ErrInvalidVPA, req.PayerVPA)
	}
	startDate := req.StartDate
	if startDate.IsZero() {
		startDate = time.Now().UTC()
	}
	nextCharge, err := nextChargeTime(startDate, req.Frequency)
	if err != nil {
		return nil, err
	}

	providerCfg, err := s.repo.FindProviderByCode(ctx, s.cfg.DefaultProviderCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}

	mandate := &domain.Mandate{
		ID:                  uuid.New(),
		Ref:                 newMandateRef(),
		PayerVPA:            req.PayerVPA,
		PayeeVPA:            s.cfg.PlatformVPA,
		UserID:              userID,
		OrganizationID:      orgID,
		Purpose:             req.Purpose,
		Description:         req.Description,
		MaxAmount:           req.MaxAmount,
		Frequency:           req.Frequency,
		StartDate:           startDate,
		EndDate:             req.EndDate,
		AutoChargeThreshold: req.AutoChargeThreshold,
		AutoChargeAmount:    req.AutoChargeAmount,
		LinkedAccountID:     req.LinkedAccountID,
		Status:              domain.MandateActive,
		ProviderCode:        providerCfg.Code,
		NextChargeAt:        nextCharge,
	}
	if err := s.repo.CreateMandate(ctx, mandate); err != nil {
		return nil, fmt.Errorf("failed to create mandate record: %w", err)
	}

	gateway, err := s.gateways.Gateway(mandate.ProviderCode)
	if err != nil {
		_, _ = s.repo.TransitionMandateStatus(ctx, mandate.ID, domain.MandateFailed, domain.MandateActive)
		return nil, err
	}
	providerMandateID, err := gateway.CreateMandate(ctx, mandate)
	if err != nil {
		log.Printf("CreateMandate: provider rejected mandate %s: %v", mandate.Ref, err)
		_, _ = s.repo.TransitionMandateStatus(ctx, mandate.ID, domain.MandateFailed, domain.MandateActive)
		return nil, fmt.Errorf("provider rejected mandate: %w", err)
	}
	if err := s.repo.SetMandateProviderID(ctx, mandate.ID, providerMandateID); err != nil {
		return nil, err
	}
	mandate.ProviderMandateID = &providerMandateID
	return mandate, nil
}

// GetMandate retrieves a mandate by its reference.
func (s *MandateService) GetMandate(ctx context.Context, ref string) (*domain.Mandate, error) {
	return s.repo.FindMandateByRef(ctx, ref)
}

// PauseMandate suspends charging until the mandate is resumed.
func (s *MandateService) PauseMandate(ctx context.Context, ref string) error {
	return s.transition(ctx, ref, domain.MandatePaused, domain.MandateActive)
}

// ResumeMandate reactivates a paused mandate.
func (s *MandateService) ResumeMandate(ctx context.Context, ref string) error {
	return s.transition(ctx, ref, domain.MandateActive, domain.MandatePaused)
}

// RevokeMandate permanently cancels a mandate, with the provider first.
func (s *MandateService) RevokeMandate(ctx context.Context, ref string) error {
	mandate, err := s.repo.FindMandateByRef(ctx, ref)
	if err != nil {
		return err
	}
	if domain.MandateTerminal(mandate.Status) {
		return fmt.Errorf("%w: %s is %s", store.ErrStateConflict, mandate.Ref, mandate.Status)
	}
	if gateway, err := s.gateways.Gateway(mandate.ProviderCode); err == nil {
		if err := gateway.RevokeMandate(ctx, mandate); err != nil {
			return fmt.Errorf("provider refused to revoke mandate %s: %w", mandate.Ref, err)
		}
	}
	applied, err := s.repo.TransitionMandateStatus(ctx, mandate.ID, domain.MandateRevoked, domain.MandateActive, domain.MandatePaused)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: %s", store.ErrStateConflict, mandate.Ref)
	}
	return nil
}

func (s *MandateService) transition(ctx context.Context, ref, to string, from ...string) error {
	mandate, err := s.repo.FindMandateByRef(ctx, ref)
	if err != nil {
		return err
	}
	applied, err := s.repo.TransitionMandateStatus(ctx, mandate.ID, to, from...)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: %s is %s", store.ErrStateConflict, mandate.Ref, mandate.Status)
	}
	return nil
}

// ChargeNow fires a manual charge against an as-required (or any active)
// mandate.
func (s *MandateService) ChargeNow(ctx context.Context, ref string, amount int64) (*domain.MandateExecution, error) {
	mandate, err := s.repo.FindMandateByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.charge(ctx, mandate, amount, domain.TriggerManual, 0)
}

// RunScheduledCharges fires every mandate whose scheduled charge time has
// arrived and advances its schedule.
func (s *MandateService) RunScheduledCharges(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.repo.FindMandatesDueForCharge(ctx, now, 100)
	if err != nil {
		return fmt.Errorf("failed to list due mandates: %w", err)
	}

	for i := range due {
		mandate := &due[i]
		// Charge the configured recurring amount; the cap is the fallback for
		// mandates that never set one.
		amount := mandate.MaxAmount
		if mandate.AutoChargeAmount != nil && *mandate.AutoChargeAmount > 0 {
			amount = *mandate.AutoChargeAmount
		}
		_, chargeErr := s.charge(ctx, mandate, amount, domain.TriggerScheduled, 0)
		if chargeErr != nil {
			log.Printf("RunScheduledCharges: charge failed for %s: %v", mandate.Ref, chargeErr)
		}
		next, err := nextChargeTime(now, mandate.Frequency)
		if err != nil {
			log.Printf("RunScheduledCharges: cannot compute next charge for %s: %v", mandate.Ref, err)
			continue
		}
		// A dispatched charge stamps last_charged_at and moves the schedule.
		// A failed dispatch moves the schedule too (the cycle now belongs to
		// its retry chain) but leaves last_charged_at untouched.
		var chargedAt *time.Time
		if chargeErr == nil {
			chargedAt = &now
		}
		if err := s.repo.AdvanceMandateSchedule(ctx, mandate.ID, chargedAt, next); err != nil {
			log.Printf("RunScheduledCharges: failed to advance schedule for %s: %v", mandate.Ref, err)
		}
	}
	return nil
}

// RunThresholdCharges fires auto top-up mandates whose linked account balance
// has dropped to the configured threshold.
func (s *MandateService) RunThresholdCharges(ctx context.Context) error {
	mandates, err := s.repo.FindThresholdMandates(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list threshold mandates: %w", err)
	}

	for i := range mandates {
		mandate := &mandates[i]
		balance, err := s.ledger.Balance(ctx, *mandate.LinkedAccountID)
		if err != nil {
			log.Printf("RunThresholdCharges: failed to derive balance for %s: %v", mandate.Ref, err)
			continue
		}
		if balance > *mandate.AutoChargeThreshold {
			continue
		}
		if _, err := s.charge(ctx, mandate, *mandate.AutoChargeAmount, domain.TriggerThreshold, 0); err != nil {
			log.Printf("RunThresholdCharges: charge failed for %s: %v", mandate.Ref, err)
		}
	}
	return nil
}

// RetryFailedExecutions re-dispatches charges whose transaction failed, whose
// backoff delay has elapsed, and whose retry budget is not exhausted.
func (s *MandateService) RetryFailedExecutions(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.repo.FindExecutionsDueForRetry(ctx, now, s.cfg.MaxRetries, 100)
	if err != nil {
		return fmt.Errorf("failed to list executions due for retry: %w", err)
	}

	for i := range due {
		execution := &due[i]
		mandate, err := s.repo.FindMandateByID(ctx, execution.MandateID)
		if err != nil {
			log.Printf("RetryFailedExecutions: mandate lookup failed for execution %s: %v", execution.ID, err)
			continue
		}
		// Detach the old execution from the retry sweep before dispatching,
		// so the next sweep cannot pick it up again.
		if err := s.repo.UpdateExecutionRetry(ctx, execution.ID, execution.RetryCount, nil); err != nil {
			log.Printf("RetryFailedExecutions: failed to detach execution %s: %v", execution.ID, err)
			continue
		}
		if mandate.Status != domain.MandateActive {
			log.Printf("RetryFailedExecutions: skipping retry for %s, mandate is %s", mandate.Ref, mandate.Status)
			continue
		}
		// The failed execution already carries the incremented count, so the
		// retry is dispatched with it as its attempt ordinal.
		if _, err := s.charge(ctx, mandate, execution.Amount, execution.Trigger, execution.RetryCount); err != nil {
			log.Printf("RetryFailedExecutions: retry failed for %s: %v", mandate.Ref, err)
		}
	}
	return nil
}

// ExpireMandates marks mandates past their end date as expired.
func (s *MandateService) ExpireMandates(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireOverdueMandates(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue mandates: %w", err)
	}
	if expired > 0 {
		log.Printf("ExpireMandates: expired %d mandates", expired)
	}
	return expired, nil
}

// ApplyMandateEvent applies a provider webhook event to a mandate.
func (s *MandateService) ApplyMandateEvent(ctx context.Context, mandate *domain.Mandate, eventType string) error {
	switch eventType {
	case domain.EventMandateApproved:
		// Providers with async approval park the mandate as paused until the
		// approval arrives. Re-approval of an active mandate is a no-op.
		if mandate.Status == domain.MandateActive {
			return nil
		}
		_, err := s.repo.TransitionMandateStatus(ctx, mandate.ID, domain.MandateActive, domain.MandatePaused)
		return err
	case domain.EventMandateRevoked:
		if mandate.Status == domain.MandateRevoked {
			return nil
		}
		_, err := s.repo.TransitionMandateStatus(ctx, mandate.ID, domain.MandateRevoked, domain.MandateActive, domain.MandatePaused)
		return err
	default:
		return fmt.Errorf("unknown mandate event %q for %s", eventType, mandate.Ref)
	}
}

// charge dispatches one collect against the mandate and records it as a
// MandateExecution. retryCount says which attempt in the retry chain this is.
func (s *MandateService) charge(ctx context.Context, mandate *domain.Mandate, amount int64, trigger string, retryCount int) (*domain.MandateExecution, error) {
	if mandate.Status != domain.MandateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrMandateNotActive, mandate.Ref, mandate.Status)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > mandate.MaxAmount {
		return nil, fmt.Errorf("%w: %d > %d", ErrChargeExceedsLimit, amount, mandate.MaxAmount)
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:             uuid.New(),
		Ref:            newTxnRef(),
		Amount:         amount,
		Currency:       s.cfg.Currency,
		PayerVPA:       mandate.PayerVPA,
		PayeeVPA:       mandate.PayeeVPA,
		UserID:         mandate.UserID,
		OrganizationID: &mandate.OrganizationID,
		Kind:           domain.TxnKindMandate,
		Method:         domain.MethodCollect,
		Description:    fmt.Sprintf("%s charge for %s", trigger, mandate.Ref),
		ProviderCode:   mandate.ProviderCode,
		Status:         domain.TxnInitiated,
		ExpiresAt:      now.Add(s.cfg.ChargeExpiry),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create charge transaction: %w", err)
	}

	// The next retry slot is armed up front; the sweep only honors it if the
	// transaction actually ends up failed.
	var nextRetryAt *time.Time
	if retryCount < s.cfg.MaxRetries {
		at := now.Add(retryBackoff(retryCount))
		nextRetryAt = &at
	}
	execution := &domain.MandateExecution{
		ID:            uuid.New(),
		MandateID:     mandate.ID,
		TransactionID: txn.ID,
		ExecutionDate: now,
		Amount:        amount,
		Trigger:       trigger,
		RetryCount:    retryCount,
		NextRetryAt:   nextRetryAt,
	}
	if err := s.repo.CreateMandateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create mandate execution: %w", err)
	}

	gateway, err := s.gateways.Gateway(mandate.ProviderCode)
	if err != nil {
		s.failCharge(ctx, txn, "no gateway for provider")
		return execution, err
	}
	providerRef, err := gateway.ChargeMandate(ctx, mandate, txn)
	if err != nil {
		log.Printf("charge: provider rejected charge %s for mandate %s: %v", txn.Ref, mandate.Ref, err)
		s.failCharge(ctx, txn, err.Error())
		return execution, fmt.Errorf("provider rejected charge: %w", err)
	}
	if _, err := s.repo.MarkTransactionPending(ctx, txn.ID, &providerRef); err != nil {
		return execution, err
	}

	s.publishChargeEvent(ctx, mandate, execution)
	return execution, nil
}

// failCharge marks a charge transaction failed and records the failure on its
// execution, so the retry sweep observes the incremented count.
func (s *MandateService) failCharge(ctx context.Context, txn *domain.Transaction, reason string) {
	applied, err := s.repo.MarkTransactionFailed(ctx, txn.ID, reason)
	if err != nil {
		log.Printf("failCharge: failed to mark charge %s failed: %v", txn.Ref, err)
		return
	}
	if !applied {
		return
	}
	if err := s.repo.RecordExecutionFailure(ctx, txn.ID); err != nil {
		log.Printf("failCharge: failed to record execution failure for %s: %v", txn.Ref, err)
	}
}

func (s *MandateService) publishChargeEvent(ctx context.Context, mandate *domain.Mandate, execution *domain.MandateExecution) {
	event := domain.MandateChargedEvent{
		MandateID:   mandate.ID,
		MandateRef:  mandate.Ref,
		ExecutionID: execution.ID,
		Amount:      execution.Amount,
		Trigger:     execution.Trigger,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, s.cfg.PaymentEventExchange, "mandate.charged", event); err != nil {
		log.Printf("WARN: failed to publish mandate charge event for %s: %v", mandate.Ref, err)
	}
}
