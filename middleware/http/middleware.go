// Package http provides net/http middleware that gates generation handlers on the free quota
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/freequota/middleware/internal/gate"
	"github.com/mihaimyh/freequota/pkg/freequota"
	"github.com/mihaimyh/freequota/pkg/signals"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string for anonymous visitors
type UserIDExtractor func(r *http.Request) string

// FingerprintExtractor extracts the hashed device fingerprint from an HTTP request
type FingerprintExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Meter records one use per request (required)
	Meter gate.Recorder

	// GetUserID extracts user ID from request. If nil, every caller is anonymous.
	GetUserID UserIDExtractor

	// GetFingerprint extracts the fingerprint hash.
	// Default: the X-Fingerprint-Hash header
	GetFingerprint FingerprintExtractor

	// Hasher derives the hashed client IP. If nil, the IP signal is not used.
	Hasher *signals.Hasher

	// BlockedStatusCode is returned when the quota is exhausted
	// Default: 402 (Payment Required)
	BlockedStatusCode int

	// RetryAfter is advertised when the store is unavailable (default: 30 seconds)
	RetryAfter time.Duration

	// OnBlocked is called when the quota is exhausted
	// If nil, writes BlockedStatusCode with the decision as JSON
	OnBlocked func(w http.ResponseWriter, r *http.Request, decision *freequota.QuotaDecision)

	// OnError is called when no decision could be made
	// If nil, writes 400, 503 or 500 depending on the error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey string

// DecisionKey is the context key holding the *freequota.QuotaDecision of an allowed request
const DecisionKey contextKey = "freequota:decision"

// Middleware creates an HTTP middleware that records one generation before calling next
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Meter == nil {
		panic("freequota/http: Config.Meter is required")
	}
	if config.GetFingerprint == nil {
		config.GetFingerprint = FingerprintFromHeader(gate.DefaultFingerprintHeader)
	}
	if config.BlockedStatusCode == 0 {
		config.BlockedStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := freequota.Request{
				FingerprintHash: config.GetFingerprint(r),
				SessionID:       r.Header.Get(gate.DefaultSessionHeader),
			}
			if config.GetUserID != nil {
				req.UserID = config.GetUserID(r)
			}
			if config.Hasher != nil {
				req.IPHash = config.Hasher.FromRequest(r)
			}

			decision, err := config.Meter.Record(r.Context(), req)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
					return
				}
				failure := gate.Classify(err)
				if failure == gate.FailureUnavailable {
					w.Header().Set("Retry-After", gate.RetryAfterSeconds(config.RetryAfter))
				}
				writeJSON(w, failure.Status(), failure.Body())
				return
			}

			for k, v := range gate.Headers(decision) {
				w.Header().Set(k, v)
			}

			if !decision.Allowed {
				if config.OnBlocked != nil {
					config.OnBlocked(w, r, decision)
				} else {
					writeJSON(w, config.BlockedStatusCode, decision)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), DecisionKey, decision)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates a HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// DecisionFromContext returns the decision recorded for the current request
func DecisionFromContext(ctx context.Context) (*freequota.QuotaDecision, bool) {
	d, ok := ctx.Value(DecisionKey).(*freequota.QuotaDecision)
	return d, ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

const (
	// UserIDKey is the context key for user ID
	UserIDKey contextKey = "freequota:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FingerprintFromHeader returns a FingerprintExtractor that reads a header
func FingerprintFromHeader(headerName string) FingerprintExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
