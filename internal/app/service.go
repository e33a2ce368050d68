/**
 * @description
 * This file contains the core business logic for the payments-service. The
 * `PaymentService` struct orchestrates the payment lifecycle, coordinating
 * between the database repository, the provider gateways, the double-entry
 * ledger, and the message broker.
 *
 * Key features:
 * - Implements payment initiation for the intent, collect, and QR methods.
 * - Owns the transaction state machine; both the webhook path and the polling
 *   fallback converge on ApplyStatus so replays and races stay idempotent.
 * - Posts exactly one ledger entry per successful transaction.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/ledger: Core building blocks.
 * - pkg/provider, pkg/accountclient, pkg/rabbitmq: External integrations.
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
	"github.com/superplatform/payments-service/pkg/accountclient"
	"github.com/superplatform/payments-service/pkg/provider"
	"github.com/superplatform/payments-service/pkg/rabbitmq"
)

const referenceKindTransaction = "upi_transaction"

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidMethod      = errors.New("unknown payment method")
	ErrInvalidVPA         = errors.New("malformed virtual payment address")
	ErrTransactionClosed  = errors.New("transaction is already in a terminal status")
	ErrRefundExceedsTotal = errors.New("refund total would exceed the original amount")
)

// PaymentConfig carries the tunables for the payment lifecycle.
type PaymentConfig struct {
	Currency             string
	DefaultProviderCode  string
	PlatformVPA          string
	PaymentExpiry        time.Duration
	PollAfter            time.Duration
	PaymentEventExchange string
}

// PaymentService provides the core business logic for payments.
type PaymentService struct {
	repo          store.Repository
	ledger        *ledger.Service
	gateways      *provider.Registry
	accounts      *accountclient.Client
	eventProducer rabbitmq.Publisher
	cfg           PaymentConfig
}

// NewPaymentService creates a new payment service instance.
func NewPaymentService(repo store.Repository, ledgerSvc *ledger.Service, gateways *provider.Registry, accounts *accountclient.Client, producer rabbitmq.Publisher, cfg PaymentConfig) *PaymentService {
	if cfg.PaymentExpiry <= 0 {
		cfg.PaymentExpiry = 15 * time.Minute
	}
	if cfg.PollAfter <= 0 {
		cfg.PollAfter = 5 * time.Minute
	}
	return &PaymentService{
		repo:          repo,
		ledger:        ledgerSvc,
		gateways:      gateways,
		accounts:      accounts,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// InitiatePayment creates a transaction in its initial status, registers it
// with the provider, and returns the artifacts the client completes it with.
func (s *PaymentService) InitiatePayment(ctx context.Context, userID uuid.UUID, orgID *uuid.UUID, req domain.InitiatePaymentRequest) (*domain.Transaction, *domain.PaymentArtifacts, error) {
	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	switch req.Method {
	case domain.MethodIntent, domain.MethodCollect, domain.MethodQR:
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if !domain.ValidVPA(req.PayerVPA) {
		return nil, nil, fmt.Errorf("%w: payer %q", ErrInvalidVPA, req.PayerVPA)
	}
	if req.PayeeVPA != "" && !domain.ValidVPA(req.PayeeVPA) {
		return nil, nil, fmt.Errorf("%w: payee %q", ErrInvalidVPA, req.PayeeVPA)
	}

	providerCfg, err := s.repo.FindProviderByCode(ctx, s.cfg.DefaultProviderCode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load provider config: %w", err)
	}

	payeeVPA := req.PayeeVPA
	if payeeVPA == "" {
		payeeVPA = s.cfg.PlatformVPA
	} else if payeeVPA != s.cfg.PlatformVPA && s.accounts != nil {
		// Merchant-directed payment: the payee VPA must be registered, and its
		// organization owns the receivable.
		resolved, err := s.accounts.ResolveVPA(ctx, payeeVPA)
		if err != nil {
			return nil, nil, fmt.Errorf("payee lookup failed: %w", err)
		}
		if orgID == nil && resolved.OrganizationID != "" {
			resolvedOrg, err := uuid.Parse(resolved.OrganizationID)
			if err != nil {
				return nil, nil, fmt.Errorf("account service returned a malformed organization id: %w", err)
			}
			orgID = &resolvedOrg
		}
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:             uuid.New(),
		Ref:            newTxnRef(),
		Amount:         req.Amount,
		Currency:       s.cfg.Currency,
		PayerVPA:       req.PayerVPA,
		PayeeVPA:       payeeVPA,
		UserID:         userID,
		OrganizationID: orgID,
		Kind:           domain.TxnKindPayment,
		Method:         req.Method,
		Description:    req.Description,
		ProviderCode:   providerCfg.Code,
		Status:         domain.TxnInitiated,
		ExpiresAt:      now.Add(s.cfg.PaymentExpiry),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	gateway, err := s.gateways.Gateway(txn.ProviderCode)
	if err != nil {
		_, _ = s.repo.MarkTransactionFailed(ctx, txn.ID, "no gateway for provider")
		return nil, nil, err
	}

	result, err := gateway.CreatePayment(ctx, txn)
	if err != nil {
		log.Printf("InitiatePayment: provider rejected transaction %s: %v", txn.Ref, err)
		if _, markErr := s.repo.MarkTransactionFailed(ctx, txn.ID, err.Error()); markErr != nil {
			log.Printf("InitiatePayment: failed to mark transaction %s failed: %v", txn.Ref, markErr)
		}
		return nil, nil, fmt.Errorf("provider rejected payment: %w", err)
	}

	if _, err := s.repo.MarkTransactionPending(ctx, txn.ID, &result.ProviderRef); err != nil {
		return nil, nil, fmt.Errorf("failed to mark transaction pending: %w", err)
	}
	txn.Status = domain.TxnPending
	txn.ProviderRef = &result.ProviderRef

	s.publishStatusEvent(ctx, txn, "")
	return txn, &result.Artifacts, nil
}

// GetTransaction retrieves a transaction by its client-visible reference.
func (s *PaymentService) GetTransaction(ctx context.Context, ref string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByRef(ctx, ref)
}

// CancelPayment cancels a transaction the payer abandoned. Only initiated and
// pending transactions can be cancelled; anything else is a state conflict.
func (s *PaymentService) CancelPayment(ctx context.Context, ref string) (*domain.Transaction, error) {
	txn, err := s.repo.FindTransactionByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	applied, err := s.repo.MarkTransactionCancelled(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrStateConflict, txn.Ref, txn.Status)
	}
	txn.Status = domain.TxnCancelled
	s.publishStatusEvent(ctx, txn, "")
	return txn, nil
}

// ApplyStatus applies a provider-reported status to a transaction. It is the
// single convergence point for the webhook path and the polling fallback:
// whichever arrives first wins the transition, the other observes a no-op.
// A report for an already terminal transaction is ignored, never an error.
func (s *PaymentService) ApplyStatus(ctx context.Context, txn *domain.Transaction, result domain.StatusResult) (bool, error) {
	if domain.TxnTerminal(txn.Status) {
		log.Printf("ApplyStatus: ignoring %q report for terminal transaction %s (status %s)", result.Status, txn.Ref, txn.Status)
		return false, nil
	}

	switch result.Status {
	case domain.TxnSuccess:
		now := time.Now().UTC()
		applied, err := s.repo.MarkTransactionSuccess(ctx, txn.ID, result.NetworkRef, now)
		if err != nil {
			return false, fmt.Errorf("failed to mark transaction %s success: %w", txn.Ref, err)
		}
		if !applied {
			return false, nil
		}
		txn.Status = domain.TxnSuccess
		txn.NetworkRef = result.NetworkRef
		txn.CompletedAt = &now

		if err := s.postSuccessEntry(ctx, txn); err != nil {
			// The transition stands; the posting is retried by redrive.
			log.Printf("ApplyStatus: failed to post ledger entry for %s: %v", txn.Ref, err)
			return true, err
		}
		s.publishStatusEvent(ctx, txn, "")
		return true, nil

	case domain.TxnFailed:
		reason := result.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		applied, err := s.repo.MarkTransactionFailed(ctx, txn.ID, reason)
		if err != nil {
			return false, fmt.Errorf("failed to mark transaction %s failed: %w", txn.Ref, err)
		}
		if !applied {
			return false, nil
		}
		txn.Status = domain.TxnFailed
		txn.FailureReason = &reason
		if txn.Kind == domain.TxnKindMandate {
			// The mandate execution behind this charge tracks its failures.
			if recErr := s.repo.RecordExecutionFailure(ctx, txn.ID); recErr != nil {
				log.Printf("ApplyStatus: failed to record execution failure for %s: %v", txn.Ref, recErr)
			}
		}
		s.publishStatusEvent(ctx, txn, reason)
		return true, nil

	case domain.TxnProcessing:
		applied, err := s.repo.MarkTransactionProcessing(ctx, txn.ID)
		if err != nil {
			return false, err
		}
		if applied {
			txn.Status = domain.TxnProcessing
		}
		return applied, nil

	case domain.TxnPending:
		// Nothing to converge; the transaction is already in flight.
		return false, nil

	default:
		return false, fmt.Errorf("unknown provider status %q for transaction %s", result.Status, txn.Ref)
	}
}

// postSuccessEntry writes the single ledger entry for a successful inbound
// payment: debit the recipient's receivable, credit platform collections.
// Keyed by the transaction so a replayed success can never post twice.
func (s *PaymentService) postSuccessEntry(ctx context.Context, txn *domain.Transaction) error {
	recipient, err := s.recipientAccount(ctx, txn)
	if err != nil {
		return fmt.Errorf("failed to resolve recipient account: %w", err)
	}
	platform, err := s.repo.FindAccountByOwner(ctx, domain.AccountPlatform, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve platform account: %w", err)
	}

	entryKind := domain.EntryPayment
	if txn.Kind == domain.TxnKindMandate {
		entryKind = domain.EntryAdsTopup
	}
	posting := &domain.Posting{
		DebitAccountID:  recipient.ID,
		CreditAccountID: platform.ID,
		Amount:          txn.Amount,
		EntryKind:       entryKind,
		Description:     fmt.Sprintf("%s %s", txn.Kind, txn.Ref),
		ReferenceKind:   referenceKindTransaction,
		ReferenceID:     txn.ID,
	}
	if _, err := s.ledger.PostOnce(ctx, posting); err != nil {
		return err
	}
	return nil
}

// recipientAccount resolves the ledger account that should carry a
// transaction's receivable: the organization's merchant account when the
// payment belongs to an organization, the payer's consumer account otherwise.
func (s *PaymentService) recipientAccount(ctx context.Context, txn *domain.Transaction) (*domain.Account, error) {
	if txn.OrganizationID != nil {
		return s.repo.FindAccountByOwner(ctx, domain.AccountMerchant, txn.OrganizationID, nil)
	}
	userID := txn.UserID
	return s.repo.FindAccountByOwner(ctx, domain.AccountConsumer, nil, &userID)
}

// ExpirePendingPayments expires every non-terminal transaction past its
// deadline. Expiry is fatal for the transaction and never posts to the ledger.
func (s *PaymentService) ExpirePendingPayments(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireOverdueTransactions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue transactions: %w", err)
	}
	if expired > 0 {
		log.Printf("ExpirePendingPayments: expired %d overdue transactions", expired)
	}
	return expired, nil
}

// PollPendingPayments is the webhook fallback: it re-queries the provider for
// transactions whose webhook is overdue and applies whatever status it finds.
func (s *PaymentService) PollPendingPayments(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.PollAfter)
	stale, err := s.repo.FindStalePendingTransactions(ctx, cutoff, 100)
	if err != nil {
		return fmt.Errorf("failed to list stale transactions: %w", err)
	}

	for i := range stale {
		txn := &stale[i]
		gateway, err := s.gateways.Gateway(txn.ProviderCode)
		if err != nil {
			log.Printf("PollPendingPayments: no gateway for %s (provider %s): %v", txn.Ref, txn.ProviderCode, err)
			continue
		}
		result, err := gateway.CheckStatus(ctx, txn)
		if err != nil {
			log.Printf("PollPendingPayments: status check failed for %s: %v", txn.Ref, err)
			continue
		}
		if _, err := s.ApplyStatus(ctx, txn, *result); err != nil {
			log.Printf("PollPendingPayments: failed to apply status for %s: %v", txn.Ref, err)
		}
	}
	return nil
}

// AccountBalance derives the current balance of an owner's account.
func (s *PaymentService) AccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

func (s *PaymentService) publishStatusEvent(ctx context.Context, txn *domain.Transaction, reason string) {
	event := domain.PaymentStatusEvent{
		TransactionID:  txn.ID,
		Ref:            txn.Ref,
		Kind:           txn.Kind,
		Status:         txn.Status,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		UserID:         txn.UserID,
		OrganizationID: txn.OrganizationID,
		FailureReason:  reason,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, s.cfg.PaymentEventExchange, "payment."+txn.Status, event); err != nil {
		log.Printf("WARN: failed to publish payment status event for %s: %v", txn.Ref, err)
	}
}
