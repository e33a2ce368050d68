/**
 * @description
 * This file implements the refund lifecycle: initiating a partial or full
 * reversal of a successful payment, converging provider reports onto the
 * refund state machine, and posting the reversing ledger entry.
 *
 * The one invariant everything here protects: the sum of success-status
 * refund amounts against a transaction never exceeds the transaction amount.
 * The bound is checked at initiation and re-checked before the success
 * transition, so a provider replay or a racing second refund cannot breach it.
 */

package app

import (
	"context"
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

const referenceKindRefund = "refund"

// RefundService provides the business logic for refunds.
type RefundService struct {
	repo          store.Repository
	ledger        *ledger.Service
	gateways      *provider.Registry
	eventProducer rabbitmq.Publisher
	exchange      string
}

// NewRefundService creates a new refund service instance.
func NewRefundService(repo store.Repository, ledgerSvc *ledger.Service, gateways *provider.Registry, producer rabbitmq.Publisher, exchange string) *RefundService {
	return &RefundService{
		repo:          repo,
		ledger:        ledgerSvc,
		gateways:      gateways,
		eventProducer: producer,
		exchange:      exchange,
	}
}

// InitiateRefund creates a refund against a successful transaction and hands
// it to the provider.
func (s *RefundService) InitiateRefund(ctx context.Context, req domain.InitiateRefundRequest) (*domain.Refund, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	original, err := s.repo.FindTransactionByRef(ctx, req.TransactionRef)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.TxnSuccess {
		return nil, fmt.Errorf("%w: only successful transactions can be refunded, %s is %s", store.ErrStateConflict, original.Ref, original.Status)
	}

	refunded, err := s.repo.SumSuccessfulRefunds(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum prior refunds: %w", err)
	}
	if refunded+req.Amount > original.Amount {
		return nil, fmt.Errorf("%w: %d already refunded of %d, requested %d", ErrRefundExceedsTotal, refunded, original.Amount, req.Amount)
	}

	refund := &domain.Refund{
		ID:                    uuid.New(),
		Ref:                   newRefundRef(),
		OriginalTransactionID: original.ID,
		Amount:                req.Amount,
		Reason:                req.Reason,
		Status:                domain.RefundInitiated,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("failed to create refund record: %w", err)
	}

	gateway, err := s.gateways.Gateway(original.ProviderCode)
	if err != nil {
		_, _ = s.repo.MarkRefundFailed(ctx, refund.ID, "no gateway for provider")
		return nil, err
	}
	providerRefundID, err := gateway.CreateRefund(ctx, refund, original)
	if err != nil {
		log.Printf("InitiateRefund: provider rejected refund %s: %v", refund.Ref, err)
		if _, markErr := s.repo.MarkRefundFailed(ctx, refund.ID, err.Error()); markErr != nil {
			log.Printf("InitiateRefund: failed to mark refund %s failed: %v", refund.Ref, markErr)
		}
		return nil, fmt.Errorf("provider rejected refund: %w", err)
	}

	if _, err := s.repo.MarkRefundProcessing(ctx, refund.ID, &providerRefundID); err != nil {
		return nil, fmt.Errorf("failed to mark refund processing: %w", err)
	}
	refund.Status = domain.RefundProcessing
	refund.ProviderRefundID = &providerRefundID
	return refund, nil
}

// GetRefund retrieves a refund by its reference.
func (s *RefundService) GetRefund(ctx context.Context, ref string) (*domain.Refund, error) {
	return s.repo.FindRefundByRef(ctx, ref)
}

// ApplyRefundStatus applies a provider-reported refund outcome. Reports for
// terminal refunds are idempotent no-ops.
func (s *RefundService) ApplyRefundStatus(ctx context.Context, refund *domain.Refund, result domain.StatusResult) (bool, error) {
	if domain.RefundTerminal(refund.Status) {
		log.Printf("ApplyRefundStatus: ignoring %q report for terminal refund %s (status %s)", result.Status, refund.Ref, refund.Status)
		return false, nil
	}

	switch result.Status {
	case domain.RefundSuccess:
		original, err := s.repo.FindTransactionByID(ctx, refund.OriginalTransactionID)
		if err != nil {
			return false, err
		}

		// Re-check the bound against everything that succeeded while this
		// refund was in flight.
		refunded, err := s.repo.SumSuccessfulRefunds(ctx, original.ID)
		if err != nil {
			return false, err
		}
		if refunded+refund.Amount > original.Amount {
			log.Printf("ApplyRefundStatus: refusing success for %s, bound would be breached (%d + %d > %d)", refund.Ref, refunded, refund.Amount, original.Amount)
			_, markErr := s.repo.MarkRefundFailed(ctx, refund.ID, "refund total would exceed the original amount")
			if markErr != nil {
				return false, markErr
			}
			return true, ErrRefundExceedsTotal
		}

		now := time.Now().UTC()
		applied, err := s.repo.MarkRefundSuccess(ctx, refund.ID, now)
		if err != nil {
			return false, fmt.Errorf("failed to mark refund %s success: %w", refund.Ref, err)
		}
		if !applied {
			return false, nil
		}
		refund.Status = domain.RefundSuccess
		refund.ProcessedAt = &now

		if err := s.postRefundEntry(ctx, refund, original); err != nil {
			log.Printf("ApplyRefundStatus: failed to post ledger entry for %s: %v", refund.Ref, err)
			return true, err
		}
		s.publishRefundEvent(ctx, refund, original)
		return true, nil

	case domain.RefundFailed:
		reason := result.Reason
		if reason == "" {
			reason = "provider reported refund failure"
		}
		applied, err := s.repo.MarkRefundFailed(ctx, refund.ID, reason)
		if err != nil {
			return false, err
		}
		if applied {
			refund.Status = domain.RefundFailed
			refund.FailureReason = &reason
		}
		return applied, nil

	default:
		return false, fmt.Errorf("unknown provider refund status %q for %s", result.Status, refund.Ref)
	}
}

// postRefundEntry posts the reversing entry for a successful refund: debit
// platform collections, credit the original recipient's receivable. Keyed by
// the refund so replays cannot post twice.
func (s *RefundService) postRefundEntry(ctx context.Context, refund *domain.Refund, original *domain.Transaction) error {
	platform, err := s.repo.FindAccountByOwner(ctx, domain.AccountPlatform, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve platform account: %w", err)
	}
	var recipient *domain.Account
	if original.OrganizationID != nil {
		recipient, err = s.repo.FindAccountByOwner(ctx, domain.AccountMerchant, original.OrganizationID, nil)
	} else {
		userID := original.UserID
		recipient, err = s.repo.FindAccountByOwner(ctx, domain.AccountConsumer, nil, &userID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve recipient account: %w", err)
	}

	posting := &domain.Posting{
		DebitAccountID:  platform.ID,
		CreditAccountID: recipient.ID,
		Amount:          refund.Amount,
		EntryKind:       domain.EntryRefund,
		Description:     fmt.Sprintf("refund %s of %s", refund.Ref, original.Ref),
		ReferenceKind:   referenceKindRefund,
		ReferenceID:     refund.ID,
	}
	if _, err := s.ledger.PostOnce(ctx, posting); err != nil {
		return err
	}
	return nil
}

func (s *RefundService) publishRefundEvent(ctx context.Context, refund *domain.Refund, original *domain.Transaction) {
	event := domain.PaymentStatusEvent{
		TransactionID:  original.ID,
		Ref:            refund.Ref,
		Kind:           domain.TxnKindRefund,
		Status:         refund.Status,
		Amount:         refund.Amount,
		Currency:       original.Currency,
		UserID:         original.UserID,
		OrganizationID: original.OrganizationID,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, s.exchange, "refund."+refund.Status, event); err != nil {
		log.Printf("WARN: failed to publish refund event for %s: %v", refund.Ref, err)
	}
}
