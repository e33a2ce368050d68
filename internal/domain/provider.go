package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderConfig is a UPI provider's stored configuration. Gateway selection
// is by Code; the secrets here sign outbound requests and verify inbound
// webhooks.
type ProviderConfig struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Code             string    `json:"code"` // unique, e.g. 'demo', 'razorpay'
	BaseURL          string    `json:"base_url"`
	APIKey           string    `json:"-"`
	SecretKey        string    `json:"-"`
	WebhookSecret    string    `json:"-"`
	SupportsIntent   bool      `json:"supports_intent"`
	SupportsCollect  bool      `json:"supports_collect"`
	SupportsQR       bool      `json:"supports_qr"`
	SupportsMandates bool      `json:"supports_mandates"`
	Active           bool      `json:"active"`
	Production       bool      `json:"production"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
