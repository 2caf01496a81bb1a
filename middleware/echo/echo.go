// Package echo provides Echo middleware that gates generation routes on the free quota
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/freequota/middleware/internal/gate"
	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
)

// DecisionKey is the Echo context key holding the *freequota.QuotaDecision of an allowed request
const DecisionKey = "freequota.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string for anonymous visitors
type UserIDExtractor func(c echo.Context) string

// FingerprintExtractor extracts the hashed device fingerprint from an Echo context
type FingerprintExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Meter records one use per request (required)
	Meter gate.Recorder

	// GetUserID extracts user ID from context. If nil, every caller is anonymous.
	GetUserID UserIDExtractor

	// GetFingerprint extracts the fingerprint hash
	// Default: the X-Fingerprint-Hash header
	GetFingerprint FingerprintExtractor

	// Hasher derives the hashed client IP. If nil, the IP signal is not used.
	Hasher *signals.Hasher

	// BlockedStatusCode is the HTTP status code to return when the quota is exhausted
	// Default: 402 (Payment Required)
	BlockedStatusCode int

	// RetryAfter is advertised when the store is unavailable (default: 30 seconds)
	RetryAfter time.Duration

	// OnBlocked is called when the quota is exhausted
	OnBlocked func(c echo.Context, decision *freequota.QuotaDecision) error

	// OnError is called when no decision could be made
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that records one generation before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Meter == nil {
		panic("freequota/echo: Config.Meter is required")
	}
	if cfg.GetFingerprint == nil {
		cfg.GetFingerprint = FingerprintFromHeader(gate.DefaultFingerprintHeader)
	}
	if cfg.BlockedStatusCode == 0 {
		cfg.BlockedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := freequota.Request{
				FingerprintHash: cfg.GetFingerprint(c),
				SessionID:       c.Request().Header.Get(gate.DefaultSessionHeader),
			}
			if cfg.GetUserID != nil {
				req.UserID = cfg.GetUserID(c)
			}
			if cfg.Hasher != nil {
				req.IPHash = cfg.Hasher.FromRequest(c.Request())
			}

			decision, err := cfg.Meter.Record(c.Request().Context(), req)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err, cfg.RetryAfter)
			}

			for k, v := range gate.Headers(decision) {
				c.Response().Header().Set(k, v)
			}

			if !decision.Allowed {
				if cfg.OnBlocked != nil {
					return cfg.OnBlocked(c, decision)
				}
				return c.JSON(cfg.BlockedStatusCode, decision)
			}

			c.Set(DecisionKey, decision)
			return next(c)
		}
	}
}

func defaultError(c echo.Context, err error, retryAfter time.Duration) error {
	failure := gate.Classify(err)
	if failure == gate.FailureUnavailable {
		c.Response().Header().Set("Retry-After", gate.RetryAfterSeconds(retryAfter))
	}
	return c.JSON(failure.Status(), failure.Body())
}

// Decision returns the decision recorded for the current request
func Decision(c echo.Context) (*freequota.QuotaDecision, bool) {
	d, ok := c.Get(DecisionKey).(*freequota.QuotaDecision)
	return d, ok
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Echo context.
// This is useful when authentication middleware stores
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if userID, ok := val.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FingerprintFromHeader returns a FingerprintExtractor that reads a header
func FingerprintFromHeader(headerName string) FingerprintExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
