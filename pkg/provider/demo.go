/**
 * @description
 * This file implements the sandbox gateway used outside production. It accepts
 * every request, fabricates deterministic provider references, and renders a
 * real scannable QR image so client flows can be exercised end to end without
 * a live provider.
 *
 * @dependencies
 * - github.com/skip2/go-qrcode: For rendering UPI QR codes as PNG.
 */
package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/superplatform/payments-service/internal/domain"
)

// DemoGateway is the sandbox provider integration.
type DemoGateway struct {
	code string
}

// NewDemoGateway creates a sandbox gateway registered under the given code.
func NewDemoGateway(code string) *DemoGateway {
	if code == "" {
		code = "demo"
	}
	return &DemoGateway{code: code}
}

func (g *DemoGateway) Code() string { return g.code }

// upiIntentURL builds a upi://pay deep link for the transaction.
func upiIntentURL(txn *domain.Transaction) string {
	v := url.Values{}
	v.Set("pa", txn.PayeeVPA)
	v.Set("pn", "SuperPlatform")
	v.Set("am", fmt.Sprintf("%d.%02d", txn.Amount/100, txn.Amount%100))
	v.Set("cu", txn.Currency)
	v.Set("tr", txn.Ref)
	if txn.Description != "" {
		v.Set("tn", txn.Description)
	}
	return "upi://pay?" + v.Encode()
}

// CreatePayment accepts every payment and returns artifacts matching the
// requested method.
func (g *DemoGateway) CreatePayment(ctx context.Context, txn *domain.Transaction) (*CreatePaymentResult, error) {
	result := &CreatePaymentResult{
		ProviderRef: "demo_pay_" + txn.Ref,
	}
	switch txn.Method {
	case domain.MethodIntent:
		result.Artifacts.IntentURL = upiIntentURL(txn)
		result.Artifacts.PaymentURL = "https://sandbox.demo-upi.example/pay/" + txn.Ref
	case domain.MethodCollect:
		result.Artifacts.CollectRef = "demo_collect_" + txn.Ref
	case domain.MethodQR:
		data := upiIntentURL(txn)
		png, err := qrcode.Encode(data, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("failed to render qr code: %w", err)
		}
		result.Artifacts.QRData = data
		result.Artifacts.QRImage = png
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, txn.Method)
	}
	return result, nil
}

// CheckStatus reports success for every transaction the sandbox accepted.
// The sandbox settles instantly, so any still-pending local state is stale.
func (g *DemoGateway) CheckStatus(ctx context.Context, txn *domain.Transaction) (*domain.StatusResult, error) {
	networkRef := "demo_upi_" + txn.Ref
	return &domain.StatusResult{
		Status:     domain.TxnSuccess,
		NetworkRef: &networkRef,
	}, nil
}

// CreateMandate registers the mandate and returns a deterministic provider ID.
func (g *DemoGateway) CreateMandate(ctx context.Context, mandate *domain.Mandate) (string, error) {
	return "demo_mnd_" + mandate.Ref, nil
}

// ChargeMandate accepts every charge.
func (g *DemoGateway) ChargeMandate(ctx context.Context, mandate *domain.Mandate, txn *domain.Transaction) (string, error) {
	return "demo_charge_" + txn.Ref, nil
}

// RevokeMandate always succeeds.
func (g *DemoGateway) RevokeMandate(ctx context.Context, mandate *domain.Mandate) error {
	return nil
}

// CreateRefund accepts every refund.
func (g *DemoGateway) CreateRefund(ctx context.Context, refund *domain.Refund, original *domain.Transaction) (string, error) {
	return "demo_ref_" + refund.Ref, nil
}

// CreatePayout accepts every payout.
func (g *DemoGateway) CreatePayout(ctx context.Context, settlement *domain.Settlement) (string, error) {
	return "demo_set_" + settlement.Ref, nil
}

// FetchStatement returns an empty statement; the sandbox keeps no history.
func (g *DemoGateway) FetchStatement(ctx context.Context, from, to time.Time) ([]domain.StatementRow, error) {
	return nil, nil
}
