// Package fiber provides Fiber middleware that gates generation routes on the free quota
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/freequota/middleware/internal/gate"
	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
)

// DecisionKey is the Fiber locals key holding the *freequota.QuotaDecision of an allowed request
const DecisionKey = "freequota.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string for anonymous visitors
type UserIDExtractor func(c *fiber.Ctx) string

// FingerprintExtractor extracts the hashed device fingerprint from a Fiber context
type FingerprintExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Meter records one use per request (required)
	Meter gate.Recorder

	// GetUserID extracts user ID from context. If nil, every caller is anonymous.
	GetUserID UserIDExtractor

	// GetFingerprint extracts the fingerprint hash
	// Default: the X-Fingerprint-Hash header
	GetFingerprint FingerprintExtractor

	// Hasher derives the hashed client IP from c.IP(). Proxy headers are
	// honored through fiber.Config.ProxyHeader, not the hasher.
	Hasher *signals.Hasher

	// BlockedStatusCode is the HTTP status code to return when the quota is exhausted
	// Default: 402 (Payment Required)
	BlockedStatusCode int

	// RetryAfter is advertised when the store is unavailable (default: 30 seconds)
	RetryAfter time.Duration

	// OnBlocked is called when the quota is exhausted
	OnBlocked func(c *fiber.Ctx, decision *freequota.QuotaDecision) error

	// OnError is called when no decision could be made
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that records one generation before the handler runs
func Middleware(cfg Config) fiber.Handler {
	if cfg.Meter == nil {
		panic("freequota/fiber: Config.Meter is required")
	}
	if cfg.GetFingerprint == nil {
		cfg.GetFingerprint = FingerprintFromHeader(gate.DefaultFingerprintHeader)
	}
	if cfg.BlockedStatusCode == 0 {
		cfg.BlockedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		req := freequota.Request{
			FingerprintHash: cfg.GetFingerprint(c),
			SessionID:       c.Get(gate.DefaultSessionHeader),
		}
		if cfg.GetUserID != nil {
			req.UserID = cfg.GetUserID(c)
		}
		if cfg.Hasher != nil {
			req.IPHash = cfg.Hasher.HashIP(c.IP())
		}

		decision, err := cfg.Meter.Record(c.UserContext(), req)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			failure := gate.Classify(err)
			if failure == gate.FailureUnavailable {
				c.Set(fiber.HeaderRetryAfter, gate.RetryAfterSeconds(cfg.RetryAfter))
			}
			return c.Status(failure.Status()).JSON(failure.Body())
		}

		for k, v := range gate.Headers(decision) {
			c.Set(k, v)
		}

		if !decision.Allowed {
			if cfg.OnBlocked != nil {
				return cfg.OnBlocked(c, decision)
			}
			return c.Status(cfg.BlockedStatusCode).JSON(decision)
		}

		c.Locals(DecisionKey, decision)
		return c.Next()
	}
}

// Decision returns the decision recorded for the current request
func Decision(c *fiber.Ctx) (*freequota.QuotaDecision, bool) {
	d, ok := c.Locals(DecisionKey).(*freequota.QuotaDecision)
	return d, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals.
// This is useful when authentication middleware stores
// user information via c.Locals("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if userID, ok := val.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FingerprintFromHeader returns a FingerprintExtractor that reads a header
func FingerprintFromHeader(headerName string) FingerprintExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
