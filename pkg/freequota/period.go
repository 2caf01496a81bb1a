package freequota

import "time"

const periodLayout = "2006-01"

// Period is a calendar-month billing period in a reference time zone
type Period struct {
	Start time.Time
	End   time.Time
}

// Key returns the "YYYY-MM" identifier of the period
func (p Period) Key() string {
	return p.Start.Format(periodLayout)
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodAt returns the calendar month containing now, evaluated in loc.
// A nil loc means UTC.
func PeriodAt(now time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	start := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, loc)
	// Day 1 of month+1 avoids the day-overflow trap of AddDate on month ends.
	end := time.Date(n.Year(), n.Month()+1, 1, 0, 0, 0, 0, loc)
	return Period{Start: start, End: end}
}

// ParsePeriod parses a "YYYY-MM" key back into a Period in loc
func ParsePeriod(key string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(periodLayout, key, loc)
	if err != nil {
		return Period{}, err
	}
	return PeriodAt(t, loc), nil
}

// startOfDay returns local midnight of t in loc
func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, loc)
}
