// Package gin provides Gin middleware that gates generation routes on the free quota
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/freequota/middleware/internal/gate"
	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
)

// DecisionKey is the Gin context key holding the *freequota.QuotaDecision of an allowed request
const DecisionKey = "freequota.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string for anonymous visitors
type UserIDExtractor func(c *gongin.Context) string

// FingerprintExtractor extracts the hashed device fingerprint from a Gin context
type FingerprintExtractor func(c *gongin.Context) string

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
	// If nil, uses default response: BlockedStatusCode JSON with the decision
	OnBlocked func(c *gongin.Context, decision *freequota.QuotaDecision)

	// OnError is called when no decision could be made
	// If nil, returns 400, 503 or 500 depending on the error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that records one generation before the handler runs
func Middleware(config Config) gongin.HandlerFunc {
	if config.Meter == nil {
		panic("freequota/gin: Config.Meter is required")
	}
	if config.GetFingerprint == nil {
		config.GetFingerprint = FingerprintFromHeader(gate.DefaultFingerprintHeader)
	}
	if config.BlockedStatusCode == 0 {
		config.BlockedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		req := freequota.Request{
			FingerprintHash: config.GetFingerprint(c),
			SessionID:       c.GetHeader(gate.DefaultSessionHeader),
		}
		if config.GetUserID != nil {
			req.UserID = config.GetUserID(c)
		}
		if config.Hasher != nil {
			req.IPHash = config.Hasher.FromRequest(c.Request)
		}

		decision, err := config.Meter.Record(c.Request.Context(), req)
		if err != nil {
			if config.OnError != nil {
				config.OnError(c, err)
				c.Abort()
				return
			}
			failure := gate.Classify(err)
			if failure == gate.FailureUnavailable {
				c.Header("Retry-After", gate.RetryAfterSeconds(config.RetryAfter))
			}
			c.AbortWithStatusJSON(failure.Status(), failure.Body())
			return
		}

		for k, v := range gate.Headers(decision) {
			c.Header(k, v)
		}

		if !decision.Allowed {
			if config.OnBlocked != nil {
				config.OnBlocked(c, decision)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(config.BlockedStatusCode, decision)
			return
		}

		c.Set(DecisionKey, decision)
		c.Next()
	}
}

// Decision returns the decision recorded for the current request
func Decision(c *gongin.Context) (*freequota.QuotaDecision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*freequota.QuotaDecision)
	return d, ok
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// This is useful when authentication middleware sets the user ID via c.Set("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FingerprintFromHeader returns a FingerprintExtractor that reads a header
func FingerprintFromHeader(headerName string) FingerprintExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
