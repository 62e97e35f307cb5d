// Package system provides the wall clock.
package system

import "time"

// Clock reads the wall clock in UTC, truncated to microseconds to match
// Postgres timestamp precision.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
