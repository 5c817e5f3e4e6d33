package dispatch

import "time"

// QuietWindow is the local-hour range during which push sends are deferred,
// e.g. {22, 9} holds deliveries between 10 PM and 9 AM in the user's
// timezone. Start == End disables the window.
type QuietWindow struct {
	Start int // first quiet hour, 0-23
	End   int // first waking hour, 0-23
}

// Enabled reports whether the window covers any hours.
func (q QuietWindow) Enabled() bool {
	return q.Start != q.End
}

// Contains reports whether the given local hour is quiet. The window wraps
// midnight when Start > End.
func (q QuietWindow) Contains(hour int) bool {
	if !q.Enabled() {
		return false
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}

// NextAllowed returns the earliest send time at or after now for a user in
// the given IANA timezone. Outside the quiet window it returns now unchanged;
// inside, it returns the next waking hour in the user's local time. Unknown
// or invalid timezones are treated as UTC.
func (q QuietWindow) NextAllowed(now time.Time, timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	local := now.In(loc)
	if !q.Contains(local.Hour()) {
		return now
	}

	next := time.Date(local.Year(), local.Month(), local.Day(), q.End, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
