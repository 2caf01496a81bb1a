// Package gate holds the decision-to-response mapping shared by the framework middlewares.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

const (
	// DefaultRetryAfter is advertised when the usage store is unavailable
	DefaultRetryAfter = 30 * time.Second

	// DefaultFingerprintHeader carries the client's hashed device fingerprint
	DefaultFingerprintHeader = "X-Fingerprint-Hash"

	// DefaultSessionHeader carries the client session id
	DefaultSessionHeader = "X-Session-ID"
)

// Recorder is the part of freequota.Meter a generation gate calls
type Recorder interface {
	Record(ctx context.Context, req freequota.Request) (*freequota.QuotaDecision, error)
}

// Failure classifies an error returned by Recorder.Record
type Failure int

const (
	FailureInternal Failure = iota
	FailureInvalidIdentity
	FailureUnavailable
)

// Classify maps a metering error onto the response the gate should send
func Classify(err error) Failure {
	switch {
	case errors.Is(err, freequota.ErrInvalidIdentity):
		return FailureInvalidIdentity
	case freequota.IsStoreUnavailable(err):
		return FailureUnavailable
	default:
		return FailureInternal
	}
}

// Status returns the HTTP status of a failure
func (f Failure) Status() int {
	switch f {
	case FailureInvalidIdentity:
		return http.StatusBadRequest
	case FailureUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing error text of a failure
func (f Failure) Message() string {
	switch f {
	case FailureInvalidIdentity:
		return "missing identity"
	case FailureUnavailable:
		return "usage store unavailable, retry later"
	default:
		return "internal server error"
	}
}

// Headers returns the quota headers describing d
func Headers(d *freequota.QuotaDecision) map[string]string {
	if d == nil {
		return nil
	}
	if d.Unlimited {
		return map[string]string{"X-Quota-Unlimited": "true"}
	}
	h := map[string]string{
		"X-Quota-Limit":     strconv.Itoa(d.Limit),
		"X-Quota-Remaining": strconv.Itoa(d.Remaining),
		"X-Quota-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if d.SoftFailed {
		h["X-Quota-Soft-Fail"] = "true"
	}
	return h
}

// RetryAfterSeconds formats d for a Retry-After header
func RetryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		d = DefaultRetryAfter
	}
	return strconv.Itoa(int(d.Seconds()))
}

// ErrorBody is the JSON body of a failed gate
type ErrorBody struct {
	Error        string `json:"error"`
	Allowed      bool   `json:"allowed"`
	Undetermined bool   `json:"undetermined,omitempty"`
}

// Body returns the JSON body for a failure
func (f Failure) Body() ErrorBody {
	return ErrorBody{Error: f.Message(), Undetermined: f == FailureUnavailable}
}
