package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(limit, window, false)
	limiter.now = clock.now
	return limiter, clock
}

func TestRateLimiter_LimitAndReset(t *testing.T) {
	limiter, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("203.0.113.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("203.0.113.1") {
		t.Error("4th request should be rejected")
	}
	if !limiter.allow("203.0.113.2") {
		t.Error("other IPs have their own bucket")
	}

	clock.advance(time.Minute + time.Second)
	if !limiter.allow("203.0.113.1") {
		t.Error("bucket should reset after the window")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)
	now := clock.now()

	limiter.requests["192.168.1.100"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["192.168.1.200"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, exists := limiter.requests["192.168.1.100"]; exists {
		t.Error("Expired entry should have been removed")
	}
	if _, exists := limiter.requests["192.168.1.200"]; !exists {
		t.Error("Active entry should not have been removed")
	}
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	limiter, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		limiter.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	if len(limiter.requests) != 150 {
		t.Fatalf("expected 150 buckets, got %d", len(limiter.requests))
	}

	clock.advance(2 * time.Minute)
	for i := 0; i < 100; i++ {
		limiter.allow("172.16.0.1")
	}

	if len(limiter.requests) > 1 {
		t.Errorf("expired buckets should be swept, %d remain", len(limiter.requests))
	}
}

func TestRateLimiter_CleanupCounterReset(t *testing.T) {
	limiter, _ := newTestLimiter(10, time.Minute)

	for i := 0; i < limiter.cleanupEvery*15; i++ {
		limiter.allow("192.168.1.1")
	}

	if limiter.requestCount > limiter.cleanupEvery*10 {
		t.Errorf("Counter should be reset, but is %d", limiter.requestCount)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "198.51.100.4:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestRateLimiter_MiddlewareIgnoresForwardedHeaderWhenUntrusted(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, forwarded := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Errorf("request %d: status %d, want %d", i, w.Code, want)
		}
	}
}
