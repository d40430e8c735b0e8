// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements enrich.Clock. Times are UTC and truncated to
// microseconds, the resolution Postgres stores, so a snapshot held in memory
// compares equal to its persisted run row.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
