package gate

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureInvalidIdentity, Classify(fmt.Errorf("%w: empty", freequota.ErrInvalidIdentity)))
	assert.Equal(t, FailureUnavailable, Classify(fmt.Errorf("%w: timeout", freequota.ErrStoreUnavailable)))
	assert.Equal(t, FailureUnavailable, Classify(freequota.ErrCircuitOpen))
	assert.Equal(t, FailureInternal, Classify(errors.New("boom")))

	assert.Equal(t, http.StatusBadRequest, FailureInvalidIdentity.Status())
	assert.Equal(t, http.StatusServiceUnavailable, FailureUnavailable.Status())
	assert.True(t, FailureUnavailable.Body().Undetermined)
	assert.False(t, FailureInvalidIdentity.Body().Undetermined)
}

func TestHeaders(t *testing.T) {
	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	h := Headers(&freequota.QuotaDecision{Allowed: true, Limit: 5, Remaining: 2, ResetAt: reset})
	assert.Equal(t, "5", h["X-Quota-Limit"])
	assert.Equal(t, "2", h["X-Quota-Remaining"])
	assert.Equal(t, fmt.Sprint(reset.Unix()), h["X-Quota-Reset"])
	assert.NotContains(t, h, "X-Quota-Soft-Fail")

	assert.Equal(t, map[string]string{"X-Quota-Unlimited": "true"}, Headers(&freequota.QuotaDecision{Unlimited: true}))
	assert.Equal(t, "true", Headers(&freequota.QuotaDecision{SoftFailed: true})["X-Quota-Soft-Fail"])
	assert.Nil(t, Headers(nil))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "30", RetryAfterSeconds(0))
	assert.Equal(t, "5", RetryAfterSeconds(5*time.Second))
}
