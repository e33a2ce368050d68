/**
 * @description
 * This file implements the inbound webhook processor. It is the single entry
 * point for provider event deliveries and enforces, in order: signature
 * authentication, payload dedupe, and idempotent dispatch onto the payment,
 * refund, and mandate state machines.
 *
 * A delivery that fails signature verification is rejected without leaving
 * any webhook record; an unauthenticated payload must not touch storage.
 * Authenticated deliveries are persisted first, then dispatched, so a crash
 * between the two leaves a redrivable record instead of a lost event.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/superplatform/payments-service/internal/domain"
	"github.com/superplatform/payments-service/internal/store"
	"github.com/superplatform/payments-service/pkg/provider"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownEventType = errors.New("unknown webhook event type")
)

// WebhookProcessor authenticates and dispatches provider webhook deliveries.
type WebhookProcessor struct {
	repo     store.Repository
	payments *PaymentService
	refunds  *RefundService
	mandates *MandateService
}

// NewWebhookProcessor creates a new webhook processor.
func NewWebhookProcessor(repo store.Repository, payments *PaymentService, refunds *RefundService, mandates *MandateService) *WebhookProcessor {
	return &WebhookProcessor{
		repo:     repo,
		payments: payments,
		refunds:  refunds,
		mandates: mandates,
	}
}

// Handle processes one webhook delivery. It returns WebhookProcessed for a
// dispatched event and WebhookSkipped for a duplicate delivery.
func (p *WebhookProcessor) Handle(ctx context.Context, providerCode string, body []byte, signature string) (string, error) {
	providerCfg, err := p.repo.FindProviderByCode(ctx, providerCode)
	if err != nil {
		return "", err
	}

	if !provider.VerifySignature(providerCfg.WebhookSecret, body, signature) {
		log.Printf("level=warn component=webhook_processor provider=%s msg=\"rejected delivery with invalid signature\"", providerCode)
		return "", ErrInvalidSignature
	}

	hash, err := provider.PayloadHash(body)
	if err != nil {
		return "", fmt.Errorf("failed to hash payload: %w", err)
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if payload.EventType == "" {
		return "", fmt.Errorf("%w: payload carries no event_type", ErrUnknownEventType)
	}

	event, err := p.repo.FindWebhookEventByHash(ctx, providerCode, hash)
	switch {
	case err == nil:
		if event.Processed {
			log.Printf("level=info component=webhook_processor provider=%s msg=\"skipping duplicate delivery\" event_id=%s", providerCode, event.ID)
			return domain.WebhookSkipped, nil
		}
		// Unprocessed duplicate: fall through and dispatch the stored event.
	case errors.Is(err, store.ErrWebhookEventNotFound):
		event = &domain.WebhookEvent{
			ID:           uuid.New(),
			ProviderCode: providerCode,
			EventType:    payload.EventType,
			Payload:      body,
			PayloadHash:  hash,
			Signature:    signature,
		}
		if err := p.repo.CreateWebhookEvent(ctx, event); err != nil {
			// A concurrent delivery of the same payload won the insert race.
			if errors.Is(err, store.ErrDuplicateRef) {
				return domain.WebhookSkipped, nil
			}
			return "", fmt.Errorf("failed to persist webhook event: %w", err)
		}
	default:
		return "", err
	}

	if err := p.dispatch(ctx, event, payload); err != nil {
		if markErr := p.repo.MarkWebhookEventFailed(ctx, event.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=webhook_processor msg=\"failed to record dispatch error\" event_id=%s err=%v", event.ID, markErr)
		}
		return "", err
	}

	if err := p.repo.MarkWebhookEventProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
		return "", err
	}
	return domain.WebhookProcessed, nil
}

// dispatch routes the event onto the state machine it concerns. All three
// targets treat replays as no-ops, so dispatching the same event twice is
// harmless.
func (p *WebhookProcessor) dispatch(ctx context.Context, event *domain.WebhookEvent, payload domain.WebhookPayload) error {
	switch {
	case strings.HasPrefix(payload.EventType, "payment_"):
		txn, err := p.repo.FindTransactionByRef(ctx, payload.TransactionRef)
		if err != nil {
			return fmt.Errorf("transaction %q: %w", payload.TransactionRef, err)
		}
		if err := p.repo.SetTransactionWebhookReceived(ctx, txn.ID); err != nil {
			return err
		}
		if err := p.repo.LinkWebhookEventTransaction(ctx, event.ID, txn.ID); err != nil {
			return err
		}
		result := domain.StatusResult{
			Status: payload.Status,
			Reason: payload.FailureReason,
		}
		if result.Status == "" {
			if payload.EventType == domain.EventPaymentSuccess {
				result.Status = domain.TxnSuccess
			} else {
				result.Status = domain.TxnFailed
			}
		}
		if payload.NetworkRef != "" {
			networkRef := payload.NetworkRef
			result.NetworkRef = &networkRef
		}
		_, err = p.payments.ApplyStatus(ctx, txn, result)
		return err

	case strings.HasPrefix(payload.EventType, "refund_"):
		refund, err := p.repo.FindRefundByRef(ctx, payload.RefundRef)
		if err != nil {
			return fmt.Errorf("refund %q: %w", payload.RefundRef, err)
		}
		status := payload.Status
		if status == "" {
			if payload.EventType == domain.EventRefundSuccess {
				status = domain.RefundSuccess
			} else {
				status = domain.RefundFailed
			}
		}
		_, err = p.refunds.ApplyRefundStatus(ctx, refund, domain.StatusResult{
			Status: status,
			Reason: payload.FailureReason,
		})
		return err

	case strings.HasPrefix(payload.EventType, "mandate_"):
		mandate, err := p.repo.FindMandateByRef(ctx, payload.MandateRef)
		if err != nil {
			return fmt.Errorf("mandate %q: %w", payload.MandateRef, err)
		}
		return p.mandates.ApplyMandateEvent(ctx, mandate, payload.EventType)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, payload.EventType)
	}
}

// RedriveFailedEvents re-dispatches authenticated events whose processing
// failed, oldest first.
func (p *WebhookProcessor) RedriveFailedEvents(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	events, err := p.repo.FindUnprocessedWebhookEvents(ctx, cutoff, 100)
	if err != nil {
		return fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}

	for i := range events {
		event := &events[i]
		var payload domain.WebhookPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			log.Printf("RedriveFailedEvents: stored payload for %s is not decodable: %v", event.ID, err)
			continue
		}
		if err := p.dispatch(ctx, event, payload); err != nil {
			log.Printf("RedriveFailedEvents: dispatch failed again for %s: %v", event.ID, err)
			if markErr := p.repo.MarkWebhookEventFailed(ctx, event.ID, err.Error()); markErr != nil {
				log.Printf("RedriveFailedEvents: failed to record dispatch error for %s: %v", event.ID, markErr)
			}
			continue
		}
		if err := p.repo.MarkWebhookEventProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
			log.Printf("RedriveFailedEvents: failed to finalize %s: %v", event.ID, err)
		}
	}
	return nil
}
