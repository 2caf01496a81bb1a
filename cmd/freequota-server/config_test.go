package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("IP_HASH_SALT", "pepper")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, 5, cfg.QuotaLimit)
	assert.Equal(t, 30*time.Second, cfg.EntitlementTTL)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.False(t, cfg.StripeEnabled())

	mc, err := cfg.MeterConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, mc.QuotaLimit)
	assert.Equal(t, freequota.FailClosed, mc.FailurePolicy)
	assert.Equal(t, time.UTC, mc.Location)
	assert.Equal(t, freequota.DefaultIdentityPrecedence, mc.IdentityPrecedence)
	require.NotNil(t, mc.CircuitBreakerConfig)
	assert.True(t, mc.CircuitBreakerConfig.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("IP_HASH_SALT", "pepper")
	t.Setenv("QUOTA_LIMIT", "3")
	t.Setenv("QUOTA_TIMEZONE", "Europe/Bucharest")
	t.Setenv("METER_FAILURE_POLICY", "SOFT")
	t.Setenv("IDENTITY_PRECEDENCE", "fingerprint,user")
	t.Setenv("ENTITLEMENT_CACHE_TTL", "0s")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	mc, err := cfg.MeterConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, mc.QuotaLimit)
	assert.Equal(t, "Europe/Bucharest", mc.Location.String())
	assert.Equal(t, freequota.FailSoft, mc.FailurePolicy)
	assert.Equal(t, []freequota.IdentityKind{freequota.IdentityFingerprint, freequota.IdentityUser}, mc.IdentityPrecedence)
	assert.False(t, mc.CacheConfig.Enabled)
	assert.False(t, mc.CircuitBreakerConfig.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{IPHashSalt: "s", StorageBackend: "memory", LogLevel: "info", QuotaLimit: 5}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing salt", func(c *Config) { c.IPHashSalt = "" }, false},
		{"unknown backend", func(c *Config) { c.StorageBackend = "mongo" }, false},
		{"postgres without url", func(c *Config) { c.StorageBackend = "postgres" }, false},
		{"postgres with url", func(c *Config) {
			c.StorageBackend = "postgres"
			c.PostgresURL = "postgres://localhost/freequota"
		}, true},
		{"firestore without project", func(c *Config) { c.StorageBackend = "firestore" }, false},
		{"stripe without webhook secret", func(c *Config) { c.StripeAPIKey = "sk_test" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"zero quota limit", func(c *Config) { c.QuotaLimit = 0 }, false},
		{"negative quota limit", func(c *Config) { c.QuotaLimit = -1 }, false},
		{"quota limit of one", func(c *Config) { c.QuotaLimit = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_MeterConfigErrors(t *testing.T) {
	cfg := Config{QuotaTimezone: "Mars/Olympus", IdentityPrecedence: "user"}
	_, err := cfg.MeterConfig()
	assert.ErrorIs(t, err, freequota.ErrInvalidConfig)

	cfg = Config{QuotaTimezone: "UTC", IdentityPrecedence: "user,device"}
	_, err = cfg.MeterConfig()
	assert.ErrorIs(t, err, freequota.ErrInvalidConfig)

	cfg = Config{QuotaTimezone: "UTC", QuotaLimit: -1}
	_, err = cfg.MeterConfig()
	assert.ErrorIs(t, err, freequota.ErrInvalidConfig)
}
