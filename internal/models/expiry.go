package models

import "time"

// WeeklyExpiry returns the Friday that is weeksOut weeks from now. With
// weeksOut=0 on a Friday it returns today; on any other day it returns the
// upcoming Friday of the current week.
func WeeklyExpiry(now time.Time, weeksOut int) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	offset := (int(time.Friday) - int(day.Weekday()) + 7) % 7
	friday := day.AddDate(0, 0, offset)
	return friday.AddDate(0, 0, weeksOut*7)
}

// DaysToExpiry returns calendar days between now and expiry, floored at zero.
func DaysToExpiry(now, expiry time.Time) int {
	days := int(expiry.UTC().Truncate(24*time.Hour).
		Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ClampScore bounds a score component to [0,100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
