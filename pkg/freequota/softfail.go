package freequota

import (
	"sync"
	"time"
)

// SoftFailBudget bounds how many requests the soft failure policy lets
// through per day while the store is unavailable.
type SoftFailBudget struct {
	mu       sync.Mutex
	cap      int
	day      time.Time
	used     int
	location *time.Location
	logger   Logger
}

// NewSoftFailBudget creates a budget of dailyCap requests per day in loc
func NewSoftFailBudget(dailyCap int, loc *time.Location, logger Logger) *SoftFailBudget {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &SoftFailBudget{cap: dailyCap, location: loc, logger: logger}
}

// Take consumes one unit of today's budget. It returns false once the cap is spent.
func (b *SoftFailBudget) Take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := startOfDay(now, b.location)
	if !day.Equal(b.day) {
		b.day = day
		b.used = 0
	}

	if b.used >= b.cap {
		if b.used == b.cap {
			b.logger.Error("soft fail budget exhausted, failing closed",
				Field{"day", day.Format(time.DateOnly)},
				Field{"cap", b.cap},
			)
			// Count past the cap once so the error is logged a single time per day.
			b.used++
		}
		return false
	}
	b.used++
	return true
}

// Remaining returns how many soft-failed requests today's budget still allows
func (b *SoftFailBudget) Remaining(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !startOfDay(now, b.location).Equal(b.day) {
		return b.cap
	}
	if b.used >= b.cap {
		return 0
	}
	return b.cap - b.used
}
