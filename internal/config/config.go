// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ErrConfigurationMissing is returned when a required platform setting
// (fee, hold period, withdrawal minimum) is absent or out of range.
var ErrConfigurationMissing = errors.New("configuration missing")

// Config holds all application configuration
type Config struct {
	// Server settings
	Port          string
	Env           string // "development", "staging", "production"
	LogLevel      string
	PublicBaseURL string // where the gateway redirects buyers back to

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Platform policy, loaded once at process start and read-only thereafter.
	PlatformFee     float64 // fraction of each sale kept by the platform, e.g. 0.30
	HoldDays        int     // days an instructor earning stays in holding
	MinWithdrawal   int64   // minimum withdrawal amount (minor units)
	Currency        string  // display currency code
	PendingDeposits int     // hours before a pending deposit is auto-canceled

	// Payment gateway
	GatewayProvider    string // "paypal", "stripe" or "mock"
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
	StripeAPIKey       string

	// Scheduler cadences (seconds)
	ReleaseInterval      int
	PayoutInterval       int
	PayoutStatusInterval int
	ReconcileInterval    int

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret   string
	WebhookSecret string
	RateLimitRPM  int // requests per minute per client IP
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPlatformFee     = 0.30
	DefaultHoldDays        = 7
	DefaultMinWithdrawal   = 200_000
	DefaultCurrency        = "VND"
	DefaultPendingDeposits = 3 // hours
	DefaultReleaseInterval = 300
	DefaultPayoutInterval  = 300
	DefaultStatusInterval  = 600
	DefaultReconcile       = 300
	DefaultRateLimit       = 100
	DefaultPayPalBaseURL   = "https://api-m.sandbox.paypal.com"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", DefaultPort)),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformFee:          getEnvFloat("PLATFORM_FEE", DefaultPlatformFee),
		HoldDays:             int(getEnvInt64("EARNINGS_HOLD_DAYS", DefaultHoldDays)),
		MinWithdrawal:        getEnvInt64("MIN_WITHDRAWAL_AMOUNT", DefaultMinWithdrawal),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		PendingDeposits:      int(getEnvInt64("PENDING_DEPOSIT_TTL_HOURS", DefaultPendingDeposits)),
		GatewayProvider:      getEnv("GATEWAY_PROVIDER", "mock"),
		PayPalBaseURL:        getEnv("PAYPAL_BASE_URL", DefaultPayPalBaseURL),
		PayPalClientID:       os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalClientSecret:   os.Getenv("PAYPAL_CLIENT_SECRET"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		ReleaseInterval:      int(getEnvInt64("RELEASE_INTERVAL_SECONDS", DefaultReleaseInterval)),
		PayoutInterval:       int(getEnvInt64("PAYOUT_INTERVAL_SECONDS", DefaultPayoutInterval)),
		PayoutStatusInterval: int(getEnvInt64("PAYOUT_STATUS_INTERVAL_SECONDS", DefaultStatusInterval)),
		ReconcileInterval:    int(getEnvInt64("RECONCILE_INTERVAL_SECONDS", DefaultReconcile)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
// In production the platform policy values must be set explicitly; a fee of
// zero or a hold period of zero silently disables escrow, so we refuse to
// guess them.
func (c *Config) Validate() error {
	if c.PlatformFee <= 0 || c.PlatformFee >= 1 {
		return fmt.Errorf("%w: PLATFORM_FEE must be a fraction between 0 and 1, got %v", ErrConfigurationMissing, c.PlatformFee)
	}
	if c.HoldDays <= 0 {
		return fmt.Errorf("%w: EARNINGS_HOLD_DAYS must be positive", ErrConfigurationMissing)
	}
	if c.MinWithdrawal <= 0 {
		return fmt.Errorf("%w: MIN_WITHDRAWAL_AMOUNT must be positive", ErrConfigurationMissing)
	}

	if c.IsProduction() {
		if os.Getenv("PLATFORM_FEE") == "" || os.Getenv("EARNINGS_HOLD_DAYS") == "" || os.Getenv("MIN_WITHDRAWAL_AMOUNT") == "" {
			return fmt.Errorf("%w: PLATFORM_FEE, EARNINGS_HOLD_DAYS and MIN_WITHDRAWAL_AMOUNT must be set explicitly in production", ErrConfigurationMissing)
		}
	}

	switch c.GatewayProvider {
	case "paypal":
		if c.PayPalClientID == "" || c.PayPalClientSecret == "" {
			return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required for GATEWAY_PROVIDER=paypal")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for GATEWAY_PROVIDER=stripe")
		}
	case "mock":
		// No credentials needed
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q (want paypal, stripe or mock)", c.GatewayProvider)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
