package freequota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodAt(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC)
	p := PeriodAt(now, nil)

	assert.Equal(t, "2026-01", p.Key())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), p.End)
	assert.True(t, p.Contains(now))
	assert.False(t, p.Contains(p.End))
}

func TestPeriodAt_DecemberRollsIntoNextYear(t *testing.T) {
	p := PeriodAt(time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, "2025-12", p.Key())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.End)
}

func TestPeriodAt_TimeZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:00 UTC on Jan 31 is already Feb 1 at UTC+3
	now := time.Date(2026, 1, 31, 22, 0, 0, 0, time.UTC)

	assert.Equal(t, "2026-01", PeriodAt(now, time.UTC).Key())
	p := PeriodAt(now, loc)
	assert.Equal(t, "2026-02", p.Key())
	assert.True(t, p.Start.Equal(time.Date(2026, 1, 31, 21, 0, 0, 0, time.UTC)))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2026-02", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.End)

	_, err = ParsePeriod("2026-13", nil)
	assert.Error(t, err)
}
