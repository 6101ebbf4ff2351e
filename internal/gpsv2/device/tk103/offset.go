package tk103

import "time"

// Clock converts device GMT timestamps to local wall time. The offset is
// taken from the configured location on every Refresh so a long running
// server follows daylight saving transitions.
type Clock struct {
	loc    *time.Location
	zone   *time.Location
	offset int
}

func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := &Clock{loc: loc}
	c.Refresh(time.Now())
	return c
}

func (c *Clock) Refresh(now time.Time) {
	name, offset := now.In(c.loc).Zone()
	if c.zone != nil && offset == c.offset {
		return
	}
	c.offset = offset
	c.zone = time.FixedZone(name, offset)
}

// Offset in seconds east of GMT.
func (c *Clock) Offset() int {
	return c.offset
}

func (c *Clock) Location() *time.Location {
	return c.loc
}

func (c *Clock) DeviceTime(gmt time.Time) time.Time {
	return gmt.In(c.zone)
}
