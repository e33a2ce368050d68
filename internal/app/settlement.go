/**
 * @description
 * This file implements the settlement engine: the scheduled sweep that turns
 * accumulated settleable balance into provider payouts, the holds that
 * suspend eligibility, and the reconciliation job matching internal records
 * against provider statements.
 *
 * A sweep settles the account's derived balance minus its active holds. The
 * gross amount moves through the escrow account: the merchant receivable is
 * cleared into escrow, the payout releases escrow through the platform
 * account, and the deductions (commission, platform fee, tax) are recognized
 * as commission income. The schedule is claimed with a compare-and-set before
 * any money moves, so concurrent or repeated sweeps settle each cycle once.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/ledger"
	"github.com/superplatform/payments-service/internal/store"
	"github.com/superplatform/payments-service/pkg/provider"
	"github.com/superplatform/payments-service/pkg/rabbitmq"
)

const (
	referenceKindSettlement       = "settlement"
	referenceKindSettlementPayout = "settlement_payout"
	referenceKindSettlementFees   = "settlement_fees"
)

// SettlementConfig carries the tunables for the settlement lifecycle. The
// default percentages apply to schedules that configure no rates of their own.
type SettlementConfig struct {
	Exchange                  string
	ProviderCode              string
	DefaultCommissionPercent  float64
	DefaultPlatformFeePercent float64
	DefaultTaxPercent         float64
}

// SettlementService provides the business logic for settlements, holds, and
// reconciliation.
type SettlementService struct {
	repo          store.Repository
	ledger        *ledger.Service
	gateways      *provider.Registry
	eventProducer rabbitmq.Publisher
	cfg           SettlementConfig
}

// NewSettlementService creates a new settlement service instance.
func NewSettlementService(repo store.Repository, ledgerSvc *ledger.Service, gateways *provider.Registry, producer rabbitmq.Publisher, cfg SettlementConfig) *SettlementService {
	return &SettlementService{
		repo:          repo,
		ledger:        ledgerSvc,
		gateways:      gateways,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// percentOf computes a percentage of an amount in paise, rounded half away
// from zero.
func percentOf(amount int64, percent float64) int64 {
	return int64(math.Round(float64(amount) * percent / 100))
}

// nextSettlementTime returns when the schedule fires after `from`.
func nextSettlementTime(from time.Time, frequency string) time.Time {
	switch frequency {
	case domain.ScheduleInstant:
		return from.Add(5 * time.Minute)
	case domain.ScheduleDaily:
		return from.AddDate(0, 0, 1)
	case domain.ScheduleWeekly:
		return from.AddDate(0, 0, 7)
	case domain.ScheduleBiweekly:
		return from.AddDate(0, 0, 14)
	case domain.ScheduleMonthly:
		return from.AddDate(0, 0, 30)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// RunSettlementSweep settles every due schedule.
func (s *SettlementService) RunSettlementSweep(ctx context.Context) error {
	now := time.Now().UTC()
	schedules, err := s.repo.FindDueSettlementSchedules(ctx, now, 100)
	if err != nil {
		return fmt.Errorf("failed to list due settlement schedules: %w", err)
	}

	for i := range schedules {
		schedule := &schedules[i]
		if err := s.settleSchedule(ctx, schedule, now); err != nil {
			log.Printf("RunSettlementSweep: settlement failed for schedule %s: %v", schedule.ID, err)
		}
	}
	return nil
}

// schedulePercents resolves the deduction rates for a schedule. A schedule
// with no rates configured at all falls back to the platform defaults.
func (s *SettlementService) schedulePercents(schedule *domain.SettlementSchedule) (commission, platformFee, tax float64) {
	if schedule.CommissionPercent == 0 && schedule.PlatformFeePercent == 0 && schedule.TaxPercent == 0 {
		return s.cfg.DefaultCommissionPercent, s.cfg.DefaultPlatformFeePercent, s.cfg.DefaultTaxPercent
	}
	return schedule.CommissionPercent, schedule.PlatformFeePercent, schedule.TaxPercent
}

func (s *SettlementService) settleSchedule(ctx context.Context, schedule *domain.SettlementSchedule, now time.Time) error {
	// Claim the schedule before anything else. A concurrent sweep racing on
	// the same schedule loses the compare-and-set and skips this cycle.
	next := nextSettlementTime(now, schedule.Frequency)
	claimed, err := s.repo.ClaimSettlementSchedule(ctx, schedule.ID, now, next)
	if err != nil {
		return fmt.Errorf("failed to claim schedule: %w", err)
	}
	if !claimed {
		return nil
	}

	balance, err := s.ledger.Balance(ctx, schedule.AccountID)
	if err != nil {
		return fmt.Errorf("failed to derive balance: %w", err)
	}
	held, err := s.repo.SumActiveHolds(ctx, schedule.AccountID)
	if err != nil {
		return fmt.Errorf("failed to sum holds: %w", err)
	}

	gross := balance - held
	if gross <= 0 || gross < schedule.MinimumAmount {
		// Below the payout floor; the claim already moved the schedule to the
		// next cycle.
		return nil
	}

	commissionPct, platformFeePct, taxPct := s.schedulePercents(schedule)
	commission := percentOf(gross, commissionPct)
	platformFee := percentOf(gross, platformFeePct)
	// Tax applies to the deductions, not the merchant's money.
	tax := percentOf(commission+platformFee, taxPct)
	net := gross - commission - platformFee - tax
	if net <= 0 {
		return fmt.Errorf("deductions (%d) consume the whole gross amount (%d) for schedule %s", commission+platformFee+tax, gross, schedule.ID)
	}

	platform, err := s.repo.FindAccountByOwner(ctx, domain.AccountPlatform, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve platform account: %w", err)
	}
	escrow, err := s.repo.FindAccountByOwner(ctx, domain.AccountEscrow, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve escrow account: %w", err)
	}

	settlement := &domain.Settlement{
		ID:               uuid.New(),
		Ref:              newSettleRef(),
		Type:             domain.SettlementMerchantPayout,
		OrganizationID:   schedule.OrganizationID,
		FromAccountID:    platform.ID,
		ToAccountID:      schedule.AccountID,
		GrossAmount:      gross,
		CommissionAmount: commission,
		PlatformFee:      platformFee,
		TaxAmount:        tax,
		NetAmount:        net,
		PayoutMethod:     schedule.PayoutMethod,
		PayoutVPA:        schedule.PayoutVPA,
		Status:           domain.SettlementPending,
		ScheduledAt:      now,
	}
	if err := s.repo.CreateSettlement(ctx, settlement); err != nil {
		return fmt.Errorf("failed to create settlement record: %w", err)
	}

	if _, err := s.repo.TransitionSettlementStatus(ctx, settlement.ID, domain.SettlementProcessing, domain.SettlementPending); err != nil {
		return err
	}

	gateway, err := s.gateways.Gateway(s.cfg.ProviderCode)
	if err != nil {
		return s.failSettlement(ctx, settlement, err)
	}

	// Claim the swept postings before the payout leaves, so a crash between
	// dispatch and bookkeeping cannot settle the same funds twice.
	postingIDs, err := s.repo.MarkAccountPostingsSettled(ctx, schedule.AccountID, now)
	if err != nil {
		return err
	}
	if err := s.repo.AttachSettlementPostings(ctx, settlement.ID, postingIDs); err != nil {
		return err
	}
	settlement.PostingIDs = postingIDs

	payoutID, err := gateway.CreatePayout(ctx, settlement)
	if err != nil {
		if reopenErr := s.repo.ReopenSettlementPostings(ctx, settlement.ID); reopenErr != nil {
			log.Printf("settleSchedule: failed to release swept postings for %s: %v", settlement.Ref, reopenErr)
		}
		return s.failSettlement(ctx, settlement, err)
	}
	if err := s.repo.SetSettlementProviderPayoutID(ctx, settlement.ID, payoutID); err != nil {
		return err
	}

	// Move the receivable through escrow: clear the merchant into escrow,
	// release escrow through the platform rail the payout left on.
	if _, err := s.ledger.PostOnce(ctx, &domain.Posting{
		DebitAccountID:  escrow.ID,
		CreditAccountID: schedule.AccountID,
		Amount:          gross,
		EntryKind:       domain.EntrySettlement,
		Description:     fmt.Sprintf("settlement %s", settlement.Ref),
		ReferenceKind:   referenceKindSettlement,
		ReferenceID:     settlement.ID,
	}); err != nil {
		return err
	}
	if _, err := s.ledger.PostOnce(ctx, &domain.Posting{
		DebitAccountID:  platform.ID,
		CreditAccountID: escrow.ID,
		Amount:          gross,
		EntryKind:       domain.EntrySettlement,
		Description:     fmt.Sprintf("payout for %s", settlement.Ref),
		ReferenceKind:   referenceKindSettlementPayout,
		ReferenceID:     settlement.ID,
	}); err != nil {
		return err
	}
	if deductions := commission + platformFee + tax; deductions > 0 {
		commissionAccount, err := s.repo.FindAccountByOwner(ctx, domain.AccountCommission, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to resolve commission account: %w", err)
		}
		if _, err := s.ledger.PostOnce(ctx, &domain.Posting{
			DebitAccountID:  platform.ID,
			CreditAccountID: commissionAccount.ID,
			Amount:          deductions,
			EntryKind:       domain.EntryCommission,
			Description:     fmt.Sprintf("deductions for %s", settlement.Ref),
			ReferenceKind:   referenceKindSettlementFees,
			ReferenceID:     settlement.ID,
		}); err != nil {
			return err
		}
	}

	if _, err := s.repo.TransitionSettlementStatus(ctx, settlement.ID, domain.SettlementCompleted, domain.SettlementProcessing); err != nil {
		return err
	}
	settlement.Status = domain.SettlementCompleted

	if err := s.repo.UpdateScheduleAfterSettlement(ctx, schedule.ID, now, &next); err != nil {
		return err
	}

	s.publishSettlementEvent(ctx, settlement)
	log.Printf("settleSchedule: settled %s gross=%d net=%d org=%s", settlement.Ref, gross, net, schedule.OrganizationID)
	return nil
}

func (s *SettlementService) failSettlement(ctx context.Context, settlement *domain.Settlement, cause error) error {
	if err := s.repo.SetSettlementFailureReason(ctx, settlement.ID, cause.Error()); err != nil {
		log.Printf("failSettlement: failed to record failure reason for %s: %v", settlement.Ref, err)
	}
	if _, err := s.repo.TransitionSettlementStatus(ctx, settlement.ID, domain.SettlementFailed, domain.SettlementPending, domain.SettlementProcessing); err != nil {
		return err
	}
	return fmt.Errorf("payout failed for %s: %w", settlement.Ref, cause)
}

// GetSettlement retrieves a settlement by its reference.
func (s *SettlementService) GetSettlement(ctx context.Context, ref string) (*domain.Settlement, error) {
	return s.repo.FindSettlementByRef(ctx, ref)
}

// PlaceHold suspends part of an account's balance from settlement.
func (s *SettlementService) PlaceHold(ctx context.Context, accountID uuid.UUID, holdType string, amount int64, reason string) (*domain.SettlementHold, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch holdType {
	case domain.HoldDispute, domain.HoldCompliance, domain.HoldManual, domain.HoldRisk:
	default:
		return nil, fmt.Errorf("unknown hold type %q", holdType)
	}
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	hold := &domain.SettlementHold{
		ID:        uuid.New(),
		AccountID: accountID,
		HoldType:  holdType,
		Amount:    amount,
		Reason:    reason,
		Active:    true,
	}
	if err := s.repo.CreateSettlementHold(ctx, hold); err != nil {
		return nil, err
	}
	return hold, nil
}

// ReleaseHold deactivates a hold. Releasing twice is a state conflict.
func (s *SettlementService) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	applied, err := s.repo.ReleaseSettlementHold(ctx, holdID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: hold already released", store.ErrStateConflict)
	}
	return nil
}

// RunReconciliation matches the provider's statement rows for a window
// against internal transactions. Variance is external minus internal. Rows
// already recorded by an earlier run are skipped, so overlapping windows and
// operator re-runs never duplicate records.
func (s *SettlementService) RunReconciliation(ctx context.Context, from, to time.Time) error {
	gateway, err := s.gateways.Gateway(s.cfg.ProviderCode)
	if err != nil {
		return err
	}
	rows, err := gateway.FetchStatement(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to fetch provider statement: %w", err)
	}

	var matched, unmatched, disputed, skipped int
	for _, row := range rows {
		existing, err := s.repo.FindReconciliationByInternalRef(ctx, row.InternalRef)
		switch {
		case err == nil && existing.ExternalRef == row.ExternalRef:
			skipped++
			continue
		case err != nil && !errors.Is(err, store.ErrReconciliationNotFound):
			return err
		}

		record := &domain.ReconciliationRecord{
			ID:              uuid.New(),
			InternalRef:     row.InternalRef,
			ExternalRef:     row.ExternalRef,
			ExternalAmount:  row.Amount,
			TransactionDate: row.TransactionDate,
		}

		txn, err := s.repo.FindTransactionByRef(ctx, row.InternalRef)
		switch {
		case err == nil:
			txnID := txn.ID
			record.TransactionID = &txnID
			record.InternalAmount = txn.Amount
			record.VarianceAmount = row.Amount - txn.Amount
			if record.VarianceAmount == 0 && txn.Status == domain.TxnSuccess {
				record.Status = domain.ReconMatched
				now := time.Now().UTC()
				record.ReconciledAt = &now
				if err := s.repo.MarkTransactionReconciled(ctx, txn.ID); err != nil {
					return err
				}
				matched++
			} else {
				record.Status = domain.ReconDispute
				disputed++
			}
		case errors.Is(err, store.ErrTransactionNotFound):
			record.Status = domain.ReconUnmatched
			record.VarianceAmount = row.Amount
			unmatched++
		default:
			return err
		}

		if err := s.repo.CreateReconciliationRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to create reconciliation record for %s: %w", row.InternalRef, err)
		}
	}

	log.Printf("RunReconciliation: window=%s..%s rows=%d matched=%d unmatched=%d disputed=%d skipped=%d",
		from.Format(time.RFC3339), to.Format(time.RFC3339), len(rows), matched, unmatched, disputed, skipped)
	return nil
}

// ResolveReconciliation closes out an unmatched or disputed record after
// operator review, marking its transaction reconciled if one is linked.
func (s *SettlementService) ResolveReconciliation(ctx context.Context, recordID uuid.UUID, txnID *uuid.UUID) error {
	applied, err := s.repo.ResolveReconciliationRecord(ctx, recordID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: record is not open", store.ErrStateConflict)
	}
	if txnID != nil {
		return s.repo.MarkTransactionReconciled(ctx, *txnID)
	}
	return nil
}

func (s *SettlementService) publishSettlementEvent(ctx context.Context, settlement *domain.Settlement) {
	event := domain.SettlementCompletedEvent{
		SettlementID:   settlement.ID,
		Ref:            settlement.Ref,
		OrganizationID: settlement.OrganizationID,
		NetAmount:      settlement.NetAmount,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, s.cfg.Exchange, "settlement."+settlement.Status, event); err != nil {
		log.Printf("WARN: failed to publish settlement event for %s: %v", settlement.Ref, err)
	}
}
