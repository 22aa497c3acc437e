// Package aging computes batch ages and display categories. Both functions
// are pure: the reference time is always an explicit parameter so callers
// (and tests) control it.
package aging

import "time"

const (
	CategoryFresh  = "fresh"
	CategoryMedium = "medium"
	CategoryOld    = "old"
)

// Age boundaries in whole days, inclusive.
const (
	freshMaxDays  = 2
	mediumMaxDays = 7
)

// AgeInDays returns the whole-day difference between createdAt and now with
// time-of-day truncated. Future createdAt clamps to zero; the result is never
// negative.
func AgeInDays(createdAt time.Time, now time.Time) int {
	created := dateOnly(createdAt.UTC())
	today := dateOnly(now.UTC())
	days := int(today.Sub(created).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Category buckets an age for display and default suggestions:
// fresh 0-2, medium 3-7, old 8+.
func Category(ageDays int) string {
	switch {
	case ageDays <= freshMaxDays:
		return CategoryFresh
	case ageDays <= mediumMaxDays:
		return CategoryMedium
	default:
		return CategoryOld
	}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
