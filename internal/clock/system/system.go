// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements relay.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC so stored results compare consistently
// across instances.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
