/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the payments-service. By defining
 * an interface, we decouple the engines' business logic from the PostgreSQL
 * implementation, making the code more modular and easier to test.
 *
 * State transitions are expressed as compare-and-set methods that report
 * whether the transition was applied, so a late webhook and a concurrent poll
 * result cannot both win a transition: the loser observes `false` and treats
 * it as an idempotent no-op.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrMandateNotFound        = errors.New("mandate not found")
	ErrExecutionNotFound      = errors.New("mandate execution not found")
	ErrRefundNotFound         = errors.New("refund not found")
	ErrProviderNotFound       = errors.New("provider not found")
	ErrSettlementNotFound     = errors.New("settlement not found")
	ErrScheduleNotFound       = errors.New("settlement schedule not found")
	ErrHoldNotFound           = errors.New("settlement hold not found")
	ErrWebhookEventNotFound   = errors.New("webhook event not found")
	ErrPostingNotFound        = errors.New("posting not found")
	ErrReconciliationNotFound = errors.New("reconciliation record not found")
	ErrDuplicateRef           = errors.New("duplicate reference")
	ErrStateConflict          = errors.New("state conflict")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Provider config
	FindProviderByCode(ctx context.Context, code string) (*domain.ProviderConfig, error)

	// Account methods
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByOwner(ctx context.Context, kind string, orgID, userID *uuid.UUID) (*domain.Account, error)
	UpdateCachedBalance(ctx context.Context, accountID uuid.UUID, balance int64) error

	// Posting methods. Postings are append-only; there is no update or delete.
	InsertPosting(ctx context.Context, posting *domain.Posting) error
	FindPostingByID(ctx context.Context, postingID uuid.UUID) (*domain.Posting, error)
	FindPostingByReference(ctx context.Context, referenceKind string, referenceID uuid.UUID) (*domain.Posting, error)
	SumPostingLegs(ctx context.Context, accountID uuid.UUID) (debits int64, credits int64, err error)
	MarkAccountPostingsSettled(ctx context.Context, accountID uuid.UUID, settledAt time.Time) ([]uuid.UUID, error)
	ReopenSettlementPostings(ctx context.Context, settlementID uuid.UUID) error

	// Transaction methods
	CreateTransaction(ctx context.Context, txn *domain.Transaction) error
	FindTransactionByID(ctx context.Context, txnID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error)
	MarkTransactionPending(ctx context.Context, txnID uuid.UUID, providerRef *string) (bool, error)
	MarkTransactionProcessing(ctx context.Context, txnID uuid.UUID) (bool, error)
	MarkTransactionSuccess(ctx context.Context, txnID uuid.UUID, networkRef *string, completedAt time.Time) (bool, error)
	MarkTransactionFailed(ctx context.Context, txnID uuid.UUID, failureReason string) (bool, error)
	MarkTransactionCancelled(ctx context.Context, txnID uuid.UUID) (bool, error)
	SetTransactionWebhookReceived(ctx context.Context, txnID uuid.UUID) error
	MarkTransactionReconciled(ctx context.Context, txnID uuid.UUID) error
	FindStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ExpireOverdueTransactions(ctx context.Context, now time.Time) (int64, error)

	// Refund methods
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindRefundByRef(ctx context.Context, ref string) (*domain.Refund, error)
	SumSuccessfulRefunds(ctx context.Context, txnID uuid.UUID) (int64, error)
	MarkRefundProcessing(ctx context.Context, refundID uuid.UUID, providerRefundID *string) (bool, error)
	MarkRefundSuccess(ctx context.Context, refundID uuid.UUID, processedAt time.Time) (bool, error)
	MarkRefundFailed(ctx context.Context, refundID uuid.UUID, failureReason string) (bool, error)

	// Mandate methods
	CreateMandate(ctx context.Context, mandate *domain.Mandate) error
	FindMandateByRef(ctx context.Context, ref string) (*domain.Mandate, error)
	SetMandateProviderID(ctx context.Context, mandateID uuid.UUID, providerMandateID string) error
	TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, to string, from ...string) (bool, error)
	AdvanceMandateSchedule(ctx context.Context, mandateID uuid.UUID, lastChargedAt *time.Time, nextChargeAt *time.Time) error
	FindMandatesDueForCharge(ctx context.Context, now time.Time, limit int) ([]domain.Mandate, error)
	FindThresholdMandates(ctx context.Context, limit int) ([]domain.Mandate, error)
	ExpireOverdueMandates(ctx context.Context, now time.Time) (int64, error)
	CreateMandateExecution(ctx context.Context, execution *domain.MandateExecution) error
	UpdateExecutionRetry(ctx context.Context, executionID uuid.UUID, retryCount int, nextRetryAt *time.Time) error
	RecordExecutionFailure(ctx context.Context, txnID uuid.UUID) error
	FindExecutionsDueForRetry(ctx context.Context, now time.Time, maxRetries int, limit int) ([]domain.MandateExecution, error)
	FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error)

	// Webhook event methods
	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	FindWebhookEventByHash(ctx context.Context, providerCode, payloadHash string) (*domain.WebhookEvent, error)
	LinkWebhookEventTransaction(ctx context.Context, eventID, txnID uuid.UUID) error
	MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID, processedAt time.Time) error
	MarkWebhookEventFailed(ctx context.Context, eventID uuid.UUID, processingError string) error
	FindUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error)

	// Settlement methods
	CreateSettlement(ctx context.Context, settlement *domain.Settlement) error
	FindSettlementByRef(ctx context.Context, ref string) (*domain.Settlement, error)
	TransitionSettlementStatus(ctx context.Context, settlementID uuid.UUID, to string, from ...string) (bool, error)
	SetSettlementProviderPayoutID(ctx context.Context, settlementID uuid.UUID, providerPayoutID string) error
	SetSettlementFailureReason(ctx context.Context, settlementID uuid.UUID, reason string) error
	AttachSettlementPostings(ctx context.Context, settlementID uuid.UUID, postingIDs []uuid.UUID) error
	FindDueSettlementSchedules(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error)
	ClaimSettlementSchedule(ctx context.Context, scheduleID uuid.UUID, due, next time.Time) (bool, error)
	UpdateScheduleAfterSettlement(ctx context.Context, scheduleID uuid.UUID, lastAt time.Time, nextAt *time.Time) error
	CreateSettlementHold(ctx context.Context, hold *domain.SettlementHold) error
	ReleaseSettlementHold(ctx context.Context, holdID uuid.UUID, releasedAt time.Time) (bool, error)
	SumActiveHolds(ctx context.Context, accountID uuid.UUID) (int64, error)

	// Reconciliation methods
	CreateReconciliationRecord(ctx context.Context, record *domain.ReconciliationRecord) error
	ResolveReconciliationRecord(ctx context.Context, recordID uuid.UUID, reconciledAt time.Time) (bool, error)
	FindReconciliationByInternalRef(ctx context.Context, internalRef string) (*domain.ReconciliationRecord, error)
}
