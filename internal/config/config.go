// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement settings
	DefaultCurrency string
	CODCeiling      decimal.Decimal // Maximum order total eligible for cash on delivery
	BarterCeiling   decimal.Decimal // Maximum listing value open to barter offers
	ReviewWindow    time.Duration   // Buyer dispute window after delivery confirmation
	BarterTTL       time.Duration   // Unanswered barter proposals are withdrawn after this
	MaxCounterRound int

	// Payment gateway
	StripeSecretKey    string // Empty selects the in-memory gateway
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int

	// Background workers
	EscrowTimerInterval time.Duration
	BarterTimerInterval time.Duration

	// Notifications
	WebhookURLs   []string
	WebhookSecret string

	// Observability
	OTLPEndpoint string

	// Security
	AdminAPIKey  string // Bootstrap admin key (optional)
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultCurrency            = "USD"
	DefaultCODCeiling          = "100.00"
	DefaultBarterCeiling       = "100.00"
	DefaultReviewWindow        = 7 * 24 * time.Hour
	DefaultBarterTTL           = 72 * time.Hour
	DefaultMaxCounterRounds    = 5
	DefaultGatewayTimeout      = 30 * time.Second
	DefaultGatewayMaxAttempts  = 3
	DefaultEscrowTimerInterval = 30 * time.Second
	DefaultBarterTimerInterval = time.Minute
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	ceiling, err := decimal.NewFromString(getEnv("COD_CEILING", DefaultCODCeiling))
	if err != nil {
		return nil, fmt.Errorf("COD_CEILING must be a decimal amount: %w", err)
	}
	barterCeiling, err := decimal.NewFromString(getEnv("BARTER_CEILING", DefaultBarterCeiling))
	if err != nil {
		return nil, fmt.Errorf("BARTER_CEILING must be a decimal amount: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		CODCeiling:          ceiling,
		BarterCeiling:       barterCeiling,
		ReviewWindow:        getEnvDuration("REVIEW_WINDOW", DefaultReviewWindow),
		BarterTTL:           getEnvDuration("BARTER_TTL", DefaultBarterTTL),
		MaxCounterRound:     int(getEnvInt64("BARTER_MAX_COUNTER_ROUNDS", DefaultMaxCounterRounds)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts:  int(getEnvInt64("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts)),
		EscrowTimerInterval: getEnvDuration("ESCROW_TIMER_INTERVAL", DefaultEscrowTimerInterval),
		BarterTimerInterval: getEnvDuration("BARTER_TIMER_INTERVAL", DefaultBarterTimerInterval),
		WebhookURLs:         splitList(os.Getenv("WEBHOOK_URLS")),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.CODCeiling.IsNegative() {
		return fmt.Errorf("COD_CEILING must not be negative")
	}
	if c.BarterCeiling.IsNegative() {
		return fmt.Errorf("BARTER_CEILING must not be negative")
	}
	if c.ReviewWindow <= 0 {
		return fmt.Errorf("REVIEW_WINDOW must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxCounterRound < 1 {
		return fmt.Errorf("BARTER_MAX_COUNTER_ROUNDS must be at least 1")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must be a secret (sk_) or restricted (rk_) key")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
