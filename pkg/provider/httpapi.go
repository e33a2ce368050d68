/**
 * @description
 * This file implements the Gateway interface over a provider's HTTP API. It
 * encapsulates the logic for making authenticated requests, signing outbound
 * bodies with the shared canonical-HMAC scheme, and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: For the provider configuration and domain models.
 */
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/superplatform/payments-service/internal/domain"
)

// HTTPGateway talks to a real UPI provider over its HTTP API.
type HTTPGateway struct {
	cfg        domain.ProviderConfig
	HTTPClient *http.Client
}

// NewHTTPGateway creates a gateway for the given provider configuration.
func NewHTTPGateway(cfg domain.ProviderConfig) *HTTPGateway {
	return &HTTPGateway{
		cfg: cfg,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *HTTPGateway) Code() string { return g.cfg.Code }

// errorResponse represents an error body from a provider API.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *errorResponse) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// do executes one signed request and decodes the response into out.
func (g *HTTPGateway) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", g.cfg.APIKey)
	if len(body) > 0 {
		signature, err := Sign(g.cfg.SecretKey, body)
		if err != nil {
			return fmt.Errorf("failed to sign %s request: %w", path, err)
		}
		req.Header.Set("x-signature", signature)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=provider_gateway provider=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", g.cfg.Code, path, resp.StatusCode)
			return fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
		}
		log.Printf("level=warn component=provider_gateway provider=%s path=%s status=%d detail=%q", g.cfg.Code, path, resp.StatusCode, errResp.text())
		return fmt.Errorf("%w: %s", ErrProviderRejected, errResp.text())
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

type createPaymentRequest struct {
	Ref         string `json:"ref"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	PayerVPA    string `json:"payer_vpa"`
	PayeeVPA    string `json:"payee_vpa"`
	Description string `json:"description,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type createPaymentResponse struct {
	ProviderRef string `json:"provider_ref"`
	IntentURL   string `json:"intent_url,omitempty"`
	PaymentURL  string `json:"payment_url,omitempty"`
	CollectRef  string `json:"collect_ref,omitempty"`
	QRData      string `json:"qr_data,omitempty"`
}

// CreatePayment registers the payment with the provider and returns the
// client-facing artifacts.
func (g *HTTPGateway) CreatePayment(ctx context.Context, txn *domain.Transaction) (*CreatePaymentResult, error) {
	switch txn.Method {
	case domain.MethodIntent:
		if !g.cfg.SupportsIntent {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, txn.Method)
		}
	case domain.MethodCollect:
		if !g.cfg.SupportsCollect {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, txn.Method)
		}
	case domain.MethodQR:
		if !g.cfg.SupportsQR {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, txn.Method)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, txn.Method)
	}

	var resp createPaymentResponse
	err := g.do(ctx, http.MethodPost, "/v1/payments", createPaymentRequest{
		Ref:         txn.Ref,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Method:      txn.Method,
		PayerVPA:    txn.PayerVPA,
		PayeeVPA:    txn.PayeeVPA,
		Description: txn.Description,
		ExpiresAt:   txn.ExpiresAt.UTC().Format(time.RFC3339),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &CreatePaymentResult{
		ProviderRef: resp.ProviderRef,
		Artifacts: domain.PaymentArtifacts{
			IntentURL:  resp.IntentURL,
			PaymentURL: resp.PaymentURL,
			CollectRef: resp.CollectRef,
			QRData:     resp.QRData,
		},
	}, nil
}

type statusResponse struct {
	Status        string `json:"status"`
	UPITxnID      string `json:"upi_txn_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// CheckStatus queries the provider for a transaction's current status.
func (g *HTTPGateway) CheckStatus(ctx context.Context, txn *domain.Transaction) (*domain.StatusResult, error) {
	var resp statusResponse
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(txn.Ref)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	result := &domain.StatusResult{
		Status: resp.Status,
		Reason: resp.FailureReason,
	}
	if resp.UPITxnID != "" {
		result.NetworkRef = &resp.UPITxnID
	}
	return result, nil
}

type createMandateRequest struct {
	Ref       string  `json:"ref"`
	PayerVPA  string  `json:"payer_vpa"`
	PayeeVPA  string  `json:"payee_vpa"`
	MaxAmount int64   `json:"max_amount"`
	Frequency string  `json:"frequency"`
	StartDate string  `json:"start_date"`
	EndDate   *string `json:"end_date,omitempty"`
}

type createMandateResponse struct {
	ProviderMandateID string `json:"provider_mandate_id"`
}

// CreateMandate registers a standing instruction with the provider.
func (g *HTTPGateway) CreateMandate(ctx context.Context, mandate *domain.Mandate) (string, error) {
	if !g.cfg.SupportsMandates {
		return "", fmt.Errorf("%w: mandates", ErrUnsupportedMethod)
	}
	req := createMandateRequest{
		Ref:       mandate.Ref,
		PayerVPA:  mandate.PayerVPA,
		PayeeVPA:  mandate.PayeeVPA,
		MaxAmount: mandate.MaxAmount,
		Frequency: mandate.Frequency,
		StartDate: mandate.StartDate.UTC().Format(time.RFC3339),
	}
	if mandate.EndDate != nil {
		endDate := mandate.EndDate.UTC().Format(time.RFC3339)
		req.EndDate = &endDate
	}
	var resp createMandateResponse
	if err := g.do(ctx, http.MethodPost, "/v1/mandates", req, &resp); err != nil {
		return "", err
	}
	return resp.ProviderMandateID, nil
}

type chargeMandateRequest struct {
	TransactionRef string `json:"transaction_ref"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

type chargeMandateResponse struct {
	ProviderRef string `json:"provider_ref"`
}

// ChargeMandate executes one collect against a mandate.
func (g *HTTPGateway) ChargeMandate(ctx context.Context, mandate *domain.Mandate, txn *domain.Transaction) (string, error) {
	if mandate.ProviderMandateID == nil {
		return "", fmt.Errorf("%w: mandate has no provider id", ErrProviderRejected)
	}
	var resp chargeMandateResponse
	err := g.do(ctx, http.MethodPost, "/v1/mandates/"+url.PathEscape(*mandate.ProviderMandateID)+"/charge", chargeMandateRequest{
		TransactionRef: txn.Ref,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ProviderRef, nil
}

// RevokeMandate cancels a standing instruction with the provider.
func (g *HTTPGateway) RevokeMandate(ctx context.Context, mandate *domain.Mandate) error {
	if mandate.ProviderMandateID == nil {
		return nil
	}
	return g.do(ctx, http.MethodPost, "/v1/mandates/"+url.PathEscape(*mandate.ProviderMandateID)+"/revoke", struct{}{}, nil)
}

type createRefundRequest struct {
	Ref            string `json:"ref"`
	TransactionRef string `json:"transaction_ref"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
}

type createRefundResponse struct {
	ProviderRefundID string `json:"provider_refund_id"`
}

// CreateRefund asks the provider to reverse part of a settled payment.
func (g *HTTPGateway) CreateRefund(ctx context.Context, refund *domain.Refund, original *domain.Transaction) (string, error) {
	var resp createRefundResponse
	err := g.do(ctx, http.MethodPost, "/v1/refunds", createRefundRequest{
		Ref:            refund.Ref,
		TransactionRef: original.Ref,
		Amount:         refund.Amount,
		Reason:         refund.Reason,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ProviderRefundID, nil
}

type createPayoutRequest struct {
	Ref          string `json:"ref"`
	Amount       int64  `json:"amount"`
	PayoutMethod string `json:"payout_method"`
	PayoutVPA    string `json:"payout_vpa,omitempty"`
}

type createPayoutResponse struct {
	ProviderPayoutID string `json:"provider_payout_id"`
}

// CreatePayout moves a settlement's net amount to the payee's destination.
func (g *HTTPGateway) CreatePayout(ctx context.Context, settlement *domain.Settlement) (string, error) {
	var resp createPayoutResponse
	err := g.do(ctx, http.MethodPost, "/v1/payouts", createPayoutRequest{
		Ref:          settlement.Ref,
		Amount:       settlement.NetAmount,
		PayoutMethod: settlement.PayoutMethod,
		PayoutVPA:    settlement.PayoutVPA,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ProviderPayoutID, nil
}

type statementResponse struct {
	Rows []struct {
		ExternalRef     string `json:"external_ref"`
		InternalRef     string `json:"internal_ref"`
		Amount          int64  `json:"amount"`
		TransactionDate string `json:"transaction_date"`
	} `json:"rows"`
}

// FetchStatement pulls the provider's settled rows for a date window.
func (g *HTTPGateway) FetchStatement(ctx context.Context, from, to time.Time) ([]domain.StatementRow, error) {
	path := fmt.Sprintf("/v1/statements?from=%s&to=%s",
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)),
	)
	var resp statementResponse
	if err := g.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	rows := make([]domain.StatementRow, 0, len(resp.Rows))
	for _, raw := range resp.Rows {
		date, err := time.Parse(time.RFC3339, raw.TransactionDate)
		if err != nil {
			log.Printf("level=warn component=provider_gateway provider=%s msg=\"skipping statement row with bad date\" external_ref=%s date=%q", g.cfg.Code, raw.ExternalRef, raw.TransactionDate)
			continue
		}
		rows = append(rows, domain.StatementRow{
			ExternalRef:     raw.ExternalRef,
			InternalRef:     raw.InternalRef,
			Amount:          raw.Amount,
			TransactionDate: date,
		})
	}
	return rows, nil
}
