package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Config is the server configuration read once from the environment at startup
type Config struct {
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	UserIDHeader string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`

	QuotaLimit         int           `env:"QUOTA_LIMIT" envDefault:"5"`
	QuotaTimezone      string        `env:"QUOTA_TIMEZONE" envDefault:"UTC"`
	EntitlementTTL     time.Duration `env:"ENTITLEMENT_CACHE_TTL" envDefault:"30s"`
	MeterTimeout       time.Duration `env:"METER_TIMEOUT" envDefault:"3s"`
	FailurePolicy      string        `env:"METER_FAILURE_POLICY" envDefault:"closed"`
	SoftFailDailyCap   int           `env:"METER_SOFT_FAIL_DAILY_CAP" envDefault:"100"`
	IdentityPrecedence string        `env:"IDENTITY_PRECEDENCE" envDefault:"user,fingerprint,ip"`

	IPHashSalt        string `env:"IP_HASH_SALT"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	StorageBackend     string `env:"STORAGE_BACKEND" envDefault:"memory"`
	PostgresURL        string `env:"PG_CONN_URL"`
	RedisAddr          string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripePriceID       string `env:"STRIPE_PRICE_ID"`

	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerReset     time.Duration `env:"CIRCUIT_BREAKER_RESET" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadConfig reads an optional .env file and then the process environment
func LoadConfig() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings the meter and backends cannot default
func (c *Config) Validate() error {
	if c.IPHashSalt == "" {
		return errors.New("IP_HASH_SALT is required")
	}
	switch c.StorageBackend {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("PG_CONN_URL is required for the postgres backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case "firestore":
		if c.FirestoreProjectID == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.QuotaLimit < 1 {
		return fmt.Errorf("QUOTA_LIMIT must be at least 1, got %d", c.QuotaLimit)
	}
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_API_KEY is set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// StripeEnabled reports whether the Stripe integration is configured
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}

// MeterConfig translates the environment into a meter configuration
func (c *Config) MeterConfig() (freequota.Config, error) {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return freequota.Config{}, fmt.Errorf("%w: QUOTA_TIMEZONE: %w", freequota.ErrInvalidConfig, err)
	}
	precedence, err := freequota.ParseIdentityPrecedence(c.IdentityPrecedence)
	if err != nil {
		return freequota.Config{}, err
	}

	mc := freequota.DefaultConfig()
	mc.QuotaLimit = c.QuotaLimit
	mc.Location = loc
	mc.IdentityPrecedence = precedence
	mc.Timeout = c.MeterTimeout
	mc.FailurePolicy = freequota.FailurePolicy(strings.ToLower(c.FailurePolicy))
	mc.SoftFailDailyCap = c.SoftFailDailyCap
	mc.CacheConfig.EntitlementTTL = c.EntitlementTTL
	mc.CacheConfig.Enabled = c.EntitlementTTL > 0
	mc.CircuitBreakerConfig = &freequota.CircuitBreakerConfig{
		Enabled:          c.CircuitBreakerThreshold > 0,
		FailureThreshold: c.CircuitBreakerThreshold,
		ResetTimeout:     c.CircuitBreakerReset,
	}
	if err := mc.Validate(); err != nil {
		return freequota.Config{}, err
	}
	return mc, nil
}
