// Package system provides the wall clock used to stamp log entries and events.
package system

import "time"

// Clock reports the current time in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock that reports times in loc. A nil loc means local time,
// which is what users expect to see next to status messages.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the clock's location.
func (c Clock) Now() time.Time {
	return time.Now().In(c.loc)
}
