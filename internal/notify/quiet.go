package notify

import (
	"time"

	"github.com/wesm/stalewatch/internal/models"
)

// IsQuietHour reports whether hour h falls in the quiet window [start, end).
// A window with start > end wraps past midnight; start == end is never quiet.
func IsQuietHour(h, start, end int) bool {
	if start > end {
		return h >= start || h < end
	}
	return h >= start && h < end
}

// userLocation resolves the user's timezone, falling back to UTC
func userLocation(prefs models.UserNotificationPreferences) *time.Location {
	if prefs.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// quietUntil returns the end of the quiet window now falls in, evaluated in
// the user's timezone. ok is false when sending is allowed right away.
func quietUntil(prefs models.UserNotificationPreferences, now time.Time) (until time.Time, ok bool) {
	qh := prefs.QuietHours
	if !qh.Enabled {
		return time.Time{}, false
	}
	local := now.In(userLocation(prefs))
	if !IsQuietHour(local.Hour(), qh.Start, qh.End) {
		return time.Time{}, false
	}

	until = time.Date(local.Year(), local.Month(), local.Day(), qh.End, 0, 0, 0, local.Location())
	if !until.After(local) {
		until = until.AddDate(0, 0, 1)
	}
	return until, true
}
