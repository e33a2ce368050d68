package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesPaymentsServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "PAYMENTS_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_DefaultsPaymentLifecycle(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PAYMENT_EXPIRY_MINUTES")
	unsetEnvWithCleanup(t, "MANDATE_CHARGE_EXPIRY_HOURS")
	unsetEnvWithCleanup(t, "MANDATE_MAX_RETRIES")
	unsetEnvWithCleanup(t, "POLL_AFTER_MINUTES")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaymentExpiryMinutes != 15 {
		t.Fatalf("expected default payment expiry 15 minutes, got %d", cfg.PaymentExpiryMinutes)
	}
	if cfg.MandateChargeExpiryH != 24 {
		t.Fatalf("expected default mandate charge expiry 24 hours, got %d", cfg.MandateChargeExpiryH)
	}
	if cfg.MandateMaxRetries != 3 {
		t.Fatalf("expected default mandate retry cap 3, got %d", cfg.MandateMaxRetries)
	}
	if cfg.PollAfterMinutes != 5 {
		t.Fatalf("expected default poll threshold 5 minutes, got %d", cfg.PollAfterMinutes)
	}
}

func TestLoadConfig_CoercesNegativeRetryCapToZero(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MANDATE_MAX_RETRIES", "-2")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MandateMaxRetries != 0 {
		t.Fatalf("expected negative retry cap coerced to 0, got %d", cfg.MandateMaxRetries)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
