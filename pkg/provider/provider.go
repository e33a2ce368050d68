/**
 * @description
 * This package provides the gateway abstraction over UPI payment providers.
 * The engines talk to a Gateway; which concrete gateway answers is decided by
 * the provider code stored on each transaction, mandate, and settlement.
 *
 * It also implements the webhook signature scheme shared by all providers:
 * HMAC-SHA256 over the canonical form of the JSON payload (object keys sorted,
 * no insignificant whitespace), hex encoded, compared in constant time.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex, encoding/json: Standard Go libraries.
 * - internal/domain: For the transaction, mandate, refund, and settlement models.
 */
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/superplatform/payments-service/internal/domain"
)

var (
	ErrUnsupportedMethod = errors.New("payment method not supported by provider")
	ErrProviderRejected  = errors.New("provider rejected the request")
)

// CreatePaymentResult is what a gateway hands back after accepting a payment.
type CreatePaymentResult struct {
	ProviderRef string
	Artifacts   domain.PaymentArtifacts
}

// Gateway is the outbound contract a UPI provider integration must satisfy.
type Gateway interface {
	Code() string

	// Payments
	CreatePayment(ctx context.Context, txn *domain.Transaction) (*CreatePaymentResult, error)
	CheckStatus(ctx context.Context, txn *domain.Transaction) (*domain.StatusResult, error)

	// Mandates
	CreateMandate(ctx context.Context, mandate *domain.Mandate) (providerMandateID string, err error)
	ChargeMandate(ctx context.Context, mandate *domain.Mandate, txn *domain.Transaction) (providerRef string, err error)
	RevokeMandate(ctx context.Context, mandate *domain.Mandate) error

	// Refunds
	CreateRefund(ctx context.Context, refund *domain.Refund, original *domain.Transaction) (providerRefundID string, err error)

	// Settlements
	CreatePayout(ctx context.Context, settlement *domain.Settlement) (providerPayoutID string, err error)

	// FetchStatement returns the provider's settled rows for a date window,
	// used by reconciliation to compare against internal records.
	FetchStatement(ctx context.Context, from, to time.Time) ([]domain.StatementRow, error)
}

// Registry resolves gateways by provider code.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a registry over the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	reg := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		reg.gateways[g.Code()] = g
	}
	return reg
}

// Gateway returns the gateway registered for the given provider code.
func (r *Registry) Gateway(code string) (Gateway, error) {
	g, ok := r.gateways[code]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for provider %q", code)
	}
	return g, nil
}

// CanonicalJSON reduces a JSON document to its canonical form: object keys
// sorted lexicographically and insignificant whitespace removed. Signatures
// are always computed over this form so providers and this service agree on
// the exact bytes regardless of how either side serialized the payload.
func CanonicalJSON(payload []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	// encoding/json marshals map keys in sorted order and emits no whitespace.
	return json.Marshal(decoded)
}

// Sign computes the hex HMAC-SHA256 signature of a payload's canonical form.
func Sign(secret string, payload []byte) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether the presented signature matches the
// payload's canonical HMAC. The comparison is constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// PayloadHash is the dedupe key for inbound webhook payloads: SHA-256 of the
// canonical form, so a provider re-serializing the same event still matches.
func PayloadHash(payload []byte) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
