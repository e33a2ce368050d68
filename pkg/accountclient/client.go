/**
 * @description
 * This package provides a client for communicating with the account-service.
 * It encapsulates the logic for resolving a VPA to its owner and ledger
 * account, which the payment engine needs before it can post entries.
 */
package accountclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the account service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveVPAResponse defines the response from resolving a VPA.
type ResolveVPAResponse struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	AccountID      string `json:"account_id"`
	DisplayName    string `json:"display_name"`
}

// ResolveVPA calls the account-service to resolve a VPA to its owner and the
// ledger account money for it should land in.
func (c *Client) ResolveVPA(ctx context.Context, vpa string) (*ResolveVPAResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("account service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/accounts/resolve-vpa?vpa=%s", c.baseURL, url.QueryEscape(vpa))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("vpa %q is not registered", vpa)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("account service returned error status %d", resp.StatusCode)
	}

	var response ResolveVPAResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}
