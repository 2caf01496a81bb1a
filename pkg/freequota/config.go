package freequota

import (
	"fmt"
	"time"
)

const (
	defaultTimeout          = 3 * time.Second
	defaultSoftFailDailyCap = 100
	defaultEntitlementTTL   = 30 * time.Second
	defaultMaxEntitlements  = 1000
)

// DefaultConfig returns the canonical meter configuration: 5 generations per
// UTC calendar month, fail closed, 30s entitlement cache.
func DefaultConfig() Config {
	return Config{
		QuotaLimit:         DefaultQuotaLimit,
		Location:           time.UTC,
		IdentityPrecedence: DefaultIdentityPrecedence,
		Timeout:            defaultTimeout,
		FailurePolicy:      FailClosed,
		SoftFailDailyCap:   defaultSoftFailDailyCap,
		CacheConfig: &CacheConfig{
			Enabled:         true,
			EntitlementTTL:  defaultEntitlementTTL,
			MaxEntitlements: defaultMaxEntitlements,
		},
	}
}

// Validate reports configuration values that cannot be defaulted
func (c *Config) Validate() error {
	if c.QuotaLimit < 0 {
		return fmt.Errorf("%w: quota limit must be >= 0, got %d", ErrInvalidConfig, c.QuotaLimit)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	switch c.FailurePolicy {
	case "", FailClosed, FailSoft:
	default:
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, c.FailurePolicy)
	}
	if c.SoftFailDailyCap < 0 {
		return fmt.Errorf("%w: soft fail daily cap must be >= 0", ErrInvalidConfig)
	}
	for _, kind := range c.IdentityPrecedence {
		if !validKind(kind) {
			return fmt.Errorf("%w: unknown identity kind %q", ErrInvalidConfig, kind)
		}
	}
	if c.CacheConfig != nil && c.CacheConfig.EntitlementTTL < 0 {
		return fmt.Errorf("%w: entitlement TTL must be >= 0", ErrInvalidConfig)
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled && (cb.FailureThreshold < 0 || cb.ResetTimeout < 0) {
		return fmt.Errorf("%w: circuit breaker settings must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero values. A zero QuotaLimit means the canonical limit.
func (c Config) withDefaults() Config {
	if c.QuotaLimit == 0 {
		c.QuotaLimit = DefaultQuotaLimit
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	c.IdentityPrecedence = normalizePrecedence(c.IdentityPrecedence)
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailClosed
	}
	if c.SoftFailDailyCap == 0 {
		c.SoftFailDailyCap = defaultSoftFailDailyCap
	}
	if c.CacheConfig != nil {
		cc := *c.CacheConfig
		if cc.EntitlementTTL == 0 {
			cc.EntitlementTTL = defaultEntitlementTTL
		}
		if cc.MaxEntitlements == 0 {
			cc.MaxEntitlements = defaultMaxEntitlements
		}
		c.CacheConfig = &cc
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
