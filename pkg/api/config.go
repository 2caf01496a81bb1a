package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
)

const (
	defaultRetryAfter   = 30 * time.Second
	defaultMaxBodyBytes = 64 * 1024
)

// Metering is the part of freequota.Meter the handlers call
type Metering interface {
	Check(ctx context.Context, req freequota.Request) (*freequota.QuotaDecision, error)
	Record(ctx context.Context, req freequota.Request) (*freequota.QuotaDecision, error)
}

// Config holds configuration for the Usage API handler
type Config struct {
	// Meter makes every quota decision (required)
	Meter Metering

	// Hasher derives the hashed client IP from the request. If nil, requests
	// are identified by user id and fingerprint only.
	Hasher *signals.Hasher

	// GetUserID extracts the authenticated user id from the request. When set
	// it overrides the userId in the body; when nil the body value is trusted.
	GetUserID func(*http.Request) string

	// RetryAfter is advertised on 503 responses (default: 30 seconds)
	RetryAfter time.Duration

	// MaxBodyBytes bounds request bodies (default: 64KB)
	MaxBodyBytes int64

	// OnError handles errors (bad request, store unavailable, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger freequota.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Meter == nil {
		return fmt.Errorf("meter is required")
	}
	return nil
}

// NewHandler creates a new Usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = defaultRetryAfter
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &freequota.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
