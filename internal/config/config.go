/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payments-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string  `mapstructure:"SERVER_PORT"`
	DatabaseURL          string  `mapstructure:"DATABASE_URL"`
	RedisURL             string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string  `mapstructure:"RABBITMQ_URL"`
	PaymentEventExchange string  `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	JWTSecret            string  `mapstructure:"JWT_SECRET"`
	AccountServiceURL    string  `mapstructure:"ACCOUNT_SERVICE_URL"`
	InternalAPIKey       string  `mapstructure:"INTERNAL_API_KEY"`
	DefaultProviderCode  string  `mapstructure:"DEFAULT_PROVIDER_CODE"`
	PlatformVPA          string  `mapstructure:"PLATFORM_VPA"`
	Currency             string  `mapstructure:"CURRENCY"`
	PaymentExpiryMinutes int     `mapstructure:"PAYMENT_EXPIRY_MINUTES"`
	MandateChargeExpiryH int     `mapstructure:"MANDATE_CHARGE_EXPIRY_HOURS"`
	MandateMaxRetries    int     `mapstructure:"MANDATE_MAX_RETRIES"`
	PollAfterMinutes     int     `mapstructure:"POLL_AFTER_MINUTES"`
	WebhookRateLimitPerM int     `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	DefaultCommissionPct float64 `mapstructure:"DEFAULT_COMMISSION_PERCENT"`
	DefaultPlatformFePct float64 `mapstructure:"DEFAULT_PLATFORM_FEE_PERCENT"`
	DefaultTaxPct        float64 `mapstructure:"DEFAULT_TAX_PERCENT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payments.events")
	viper.SetDefault("DEFAULT_PROVIDER_CODE", "demo")
	viper.SetDefault("PLATFORM_VPA", "platform@superupi")
	viper.SetDefault("CURRENCY", "INR")
	viper.SetDefault("PAYMENT_EXPIRY_MINUTES", 15)
	viper.SetDefault("MANDATE_CHARGE_EXPIRY_HOURS", 24)
	viper.SetDefault("MANDATE_MAX_RETRIES", 3)
	viper.SetDefault("POLL_AFTER_MINUTES", 5)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 300)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "payments:rate_limit")
	viper.SetDefault("DEFAULT_COMMISSION_PERCENT", 2.0)
	viper.SetDefault("DEFAULT_PLATFORM_FEE_PERCENT", 0.5)
	viper.SetDefault("DEFAULT_TAX_PERCENT", 18.0)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENTS_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENTS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_PROVIDER_CODE")
	_ = viper.BindEnv("PLATFORM_VPA")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("PAYMENT_EXPIRY_MINUTES")
	_ = viper.BindEnv("MANDATE_CHARGE_EXPIRY_HOURS")
	_ = viper.BindEnv("MANDATE_MAX_RETRIES")
	_ = viper.BindEnv("POLL_AFTER_MINUTES")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DEFAULT_COMMISSION_PERCENT")
	_ = viper.BindEnv("DEFAULT_PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("DEFAULT_TAX_PERCENT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENTS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "payments:rate_limit"
	}

	if config.PaymentExpiryMinutes <= 0 {
		config.PaymentExpiryMinutes = 15
	}
	if config.MandateChargeExpiryH <= 0 {
		config.MandateChargeExpiryH = 24
	}
	if config.MandateMaxRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative mandate retry cap configured; coercing to zero\" max_retries=%d", config.MandateMaxRetries)
		config.MandateMaxRetries = 0
	}
	if config.PollAfterMinutes <= 0 {
		config.PollAfterMinutes = 5
	}
	if config.WebhookRateLimitPerM <= 0 {
		config.WebhookRateLimitPerM = 300
	}
	if config.DefaultCommissionPct < 0 {
		log.Printf("level=warn component=config msg=\"negative commission percent configured; coercing to zero\" percent=%f", config.DefaultCommissionPct)
		config.DefaultCommissionPct = 0
	}
	if config.DefaultPlatformFePct < 0 {
		config.DefaultPlatformFePct = 0
	}
	if config.DefaultTaxPct < 0 {
		config.DefaultTaxPct = 0
	}

	return
}
