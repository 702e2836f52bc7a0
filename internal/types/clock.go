package types

import (
	"time"

	"cloud.google.com/go/civil"
)

// WallClock yields the current wall-clock time in a fixed zone. Offer
// schedules are timezone-naive, so every "has it departed yet" check goes
// through one of these.
type WallClock struct {
	loc *time.Location
	now func() time.Time
}

func NewWallClock(loc *time.Location, now func() time.Time) WallClock {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return WallClock{loc: loc, now: now}
}

// Now returns the local wall-clock time.
func (c WallClock) Now() civil.DateTime {
	if c.now == nil || c.loc == nil {
		return civil.DateTimeOf(time.Now().UTC())
	}
	return civil.DateTimeOf(c.now().In(c.loc))
}

// Instant returns the current absolute time, for audit timestamps.
func (c WallClock) Instant() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
