// Package issuance stores the per-subject fixed-window issuance counters.
package issuance

import "time"

// Window is a subject's counter for the current fixed window. A zero Window
// means no issuance has been recorded since the last rollover.
type Window struct {
	Count     int
	StartedAt time.Time
}

// ResetsAt is when the window rolls over.
func (w Window) ResetsAt(length time.Duration) time.Time {
	return w.StartedAt.Add(length)
}

// lapsed reports whether a window starting at startedAt has rolled over at now.
func lapsed(startedAt time.Time, length time.Duration, now time.Time) bool {
	return !now.Before(startedAt.Add(length))
}
