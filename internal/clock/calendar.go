package clock

import (
	"time"
	_ "time/tzdata"
)

// Calendar maps instants onto civil days in a configured zone.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the named zone. An empty or unknown name falls back to UTC and
// the load error is returned alongside the usable calendar.
func NewCalendar(zone string) (*Calendar, error) {
	if zone == "" {
		return &Calendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return &Calendar{loc: time.UTC}, err
	}
	return &Calendar{loc: loc}, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// StartOfDay returns local midnight of the civil day containing t.
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// DayRange returns the UTC half-open range [start, end) of the civil day that is
// offset days after the day containing t.
func (c *Calendar) DayRange(t time.Time, offset int) (time.Time, time.Time) {
	start := c.StartOfDay(t).AddDate(0, 0, offset)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// DaysBetween counts civil days from the day containing from to the day containing to.
func (c *Calendar) DaysBetween(from, to time.Time) int {
	a := c.StartOfDay(from)
	b := c.StartOfDay(to)
	fy, fm, fd := a.Date()
	ty, tm, td := b.Date()
	// Compare as UTC dates so DST shifts don't skew the division.
	da := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	db := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
