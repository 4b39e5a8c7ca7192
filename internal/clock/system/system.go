// Package system provides a real clock implementation.
package system

import "time"

// Clock implements ingest.Clock using time.Now. All pipeline timestamps are
// UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
