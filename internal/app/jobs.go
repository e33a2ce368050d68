/**
 * @description
 * Scheduled job implementations for the payments-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	payments    *PaymentService
	mandates    *MandateService
	settlements *SettlementService
	webhooks    *WebhookProcessor
	logger      *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(payments *PaymentService, mandates *MandateService, settlements *SettlementService, webhooks *WebhookProcessor, logger *slog.Logger) *Jobs {
	return &Jobs{
		payments:    payments,
		mandates:    mandates,
		settlements: settlements,
		webhooks:    webhooks,
		logger:      logger,
	}
}

// ExpirePayments expires transactions whose payment window has closed.
func (j *Jobs) ExpirePayments() {
	ctx := context.Background()

	expired, err := j.payments.ExpirePendingPayments(ctx)
	if err != nil {
		j.logger.Error("payment expiry job failed", "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("payment expiry job finished", "expired", expired)
	}
}

// PollPayments re-queries the provider for transactions with overdue webhooks.
func (j *Jobs) PollPayments() {
	ctx := context.Background()

	if err := j.payments.PollPendingPayments(ctx); err != nil {
		j.logger.Error("payment poll job failed", "error", err)
	}
}

// ChargeMandates fires due scheduled charges and threshold top-ups.
func (j *Jobs) ChargeMandates() {
	j.logger.Info("starting mandate charge job")
	ctx := context.Background()

	if err := j.mandates.RunScheduledCharges(ctx); err != nil {
		j.logger.Error("scheduled mandate charges failed", "error", err)
	}
	if err := j.mandates.RunThresholdCharges(ctx); err != nil {
		j.logger.Error("threshold mandate charges failed", "error", err)
	}

	j.logger.Info("mandate charge job finished")
}

// RetryMandateCharges re-dispatches failed charges whose backoff has elapsed.
func (j *Jobs) RetryMandateCharges() {
	ctx := context.Background()

	if err := j.mandates.RetryFailedExecutions(ctx); err != nil {
		j.logger.Error("mandate retry job failed", "error", err)
	}
}

// ExpireMandates marks mandates past their end date as expired.
func (j *Jobs) ExpireMandates() {
	ctx := context.Background()

	if _, err := j.mandates.ExpireMandates(ctx); err != nil {
		j.logger.Error("mandate expiry job failed", "error", err)
	}
}

// SettleAccounts runs the settlement sweep over due schedules.
func (j *Jobs) SettleAccounts() {
	j.logger.Info("starting settlement sweep job")
	ctx := context.Background()

	if err := j.settlements.RunSettlementSweep(ctx); err != nil {
		j.logger.Error("settlement sweep failed", "error", err)
		return
	}

	j.logger.Info("settlement sweep job finished")
}

// ReconcileTransactions matches yesterday's provider statement against
// internal records.
func (j *Jobs) ReconcileTransactions() {
	j.logger.Info("starting reconciliation job")
	ctx := context.Background()

	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -1)
	if err := j.settlements.RunReconciliation(ctx, from, to); err != nil {
		j.logger.Error("reconciliation failed", "error", err)
		return
	}

	j.logger.Info("reconciliation job finished")
}

// RedriveWebhooks re-dispatches webhook events whose processing failed.
func (j *Jobs) RedriveWebhooks() {
	ctx := context.Background()

	if err := j.webhooks.RedriveFailedEvents(ctx, 10*time.Minute); err != nil {
		j.logger.Error("webhook redrive job failed", "error", err)
	}
}
