/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// JobSchedules holds the cron expressions for the background jobs.
type JobSchedules struct {
	PaymentExpiry    string
	PaymentPoll      string
	MandateCharge    string
	MandateRetry     string
	MandateExpiry    string
	SettlementSweep  string
	Reconciliation   string
	WebhookRedrive   string
}

// DefaultJobSchedules returns the production cadence for the jobs.
func DefaultJobSchedules() JobSchedules {
	return JobSchedules{
		PaymentExpiry:   "* * * * *",
		PaymentPoll:     "*/5 * * * *",
		MandateCharge:   "0 * * * *",
		MandateRetry:    "*/30 * * * *",
		MandateExpiry:   "15 0 * * *",
		SettlementSweep: "30 0 * * *",
		Reconciliation:  "0 2 * * *",
		WebhookRedrive:  "*/10 * * * *",
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules JobSchedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules JobSchedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("payment expiry", s.schedules.PaymentExpiry, s.jobs.ExpirePayments)
	s.add("payment poll", s.schedules.PaymentPoll, s.jobs.PollPayments)
	s.add("mandate charge", s.schedules.MandateCharge, s.jobs.ChargeMandates)
	s.add("mandate retry", s.schedules.MandateRetry, s.jobs.RetryMandateCharges)
	s.add("mandate expiry", s.schedules.MandateExpiry, s.jobs.ExpireMandates)
	s.add("settlement sweep", s.schedules.SettlementSweep, s.jobs.SettleAccounts)
	s.add("reconciliation", s.schedules.Reconciliation, s.jobs.ReconcileTransactions)
	s.add("webhook redrive", s.schedules.WebhookRedrive, s.jobs.RedriveWebhooks)

	s.cron.Start()
}

func (s *Scheduler) add(name, schedule string, job func()) {
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
