// Package calendar provides a trading calendar backed by an explicit,
// sorted list of sessions. Sessions are timezone-naive trading days
// normalized to midnight UTC, so backward-fill lookups compare cleanly
// against naive ex-dates.
package calendar

import (
	"sort"
	"time"
)

// Calendar is an immutable, ordered list of trading sessions. It
// implements the adjustments.TradingCalendar contract.
type Calendar struct {
	sessions []time.Time
}

// New builds a calendar from arbitrary session days. Input is copied,
// normalized to midnight UTC, sorted, and de-duplicated.
func New(sessions []time.Time) *Calendar {
	normalized := make([]time.Time, 0, len(sessions))
	for _, s := range sessions {
		normalized = append(normalized, midnight(s))
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Before(normalized[j]) })

	deduped := normalized[:0]
	for i, s := range normalized {
		if i == 0 || !s.Equal(normalized[i-1]) {
			deduped = append(deduped, s)
		}
	}
	return &Calendar{sessions: deduped}
}

// Weekdays builds a calendar of every Monday-Friday day from start to end
// inclusive. Holidays are not modeled; callers needing a real exchange
// calendar pass explicit sessions to New.
func Weekdays(start, end time.Time) *Calendar {
	var sessions []time.Time
	for day := midnight(start); !day.After(midnight(end)); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		sessions = append(sessions, day)
	}
	return &Calendar{sessions: sessions}
}

// Len returns the number of sessions.
func (c *Calendar) Len() int {
	return len(c.sessions)
}

// SessionAt returns the session at position idx.
func (c *Calendar) SessionAt(idx int) time.Time {
	return c.sessions[idx]
}

// SessionIndexAtOrAfter returns the position of the earliest session at
// or after t. ok is false when t falls past the last session.
func (c *Calendar) SessionIndexAtOrAfter(t time.Time) (int, bool) {
	day := midnight(t)
	idx := sort.Search(len(c.sessions), func(i int) bool {
		return !c.sessions[i].Before(day)
	})
	if idx == len(c.sessions) {
		return 0, false
	}
	return idx, true
}

func midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
