// Package quiethours decides whether an outbound message may be dispatched at
// a given instant, based on the recipient-local quiet window. Dispatch inside
// the window is deferred, never cancelled.
package quiethours

import "time"

// Decision is the gate's answer for one instant.
type Decision struct {
	Allowed bool
	// NextAllowed is the upcoming end-of-window boundary in the recipient's
	// timezone. Zero when Allowed.
	NextAllowed time.Time
}

// Window is a recipient-local quiet window [StartHour, EndHour), half-open
// and wrapping midnight when StartHour > EndHour. A message becomes sendable
// exactly at EndHour.
type Window struct {
	StartHour int
	EndHour   int
}

// Evaluate is a pure function of (now, timezone, window).
func Evaluate(now time.Time, loc *time.Location, w Window) Decision {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	h := local.Hour()

	var blocked bool
	switch {
	case w.StartHour == w.EndHour:
		// Empty window, quiet hours disabled.
		blocked = false
	case w.StartHour > w.EndHour:
		// Wraps midnight, e.g. 21:00-08:00.
		blocked = h >= w.StartHour || h < w.EndHour
	default:
		blocked = h >= w.StartHour && h < w.EndHour
	}

	if !blocked {
		return Decision{Allowed: true}
	}

	boundary := time.Date(local.Year(), local.Month(), local.Day(), w.EndHour, 0, 0, 0, loc)
	if !boundary.After(local) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return Decision{Allowed: false, NextAllowed: boundary}
}
