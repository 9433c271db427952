package timewin

import (
	"fmt"
	"time"
)

// DateLayout is the local calendar-date format used for target dates.
const DateLayout = "2006-01-02"

// DefaultZone is the conventional release time zone when a restaurant
// does not carry one.
const DefaultZone = "America/New_York"

// LoadZone resolves an IANA zone name, falling back to DefaultZone for
// the empty string.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", name, err)
	}
	return loc, nil
}

// NextReleaseAt returns the next occurrence of the HH:MM release time in
// the given zone, strictly after now. A release that has just passed
// yields tomorrow's instant, exactly 24h later on non-DST days.
func NextReleaseAt(releaseClock string, loc *time.Location, now time.Time) (time.Time, error) {
	c, err := ParseClock(releaseClock)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), int(c)/60, int(c)%60, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// TargetDate computes today+daysInAdvance as a local calendar date in
// the given zone.
func TargetDate(now time.Time, daysInAdvance int, loc *time.Location) string {
	return now.In(loc).AddDate(0, 0, daysInAdvance).Format(DateLayout)
}

// WeekdayOf returns the 0=Sunday weekday of a YYYY-MM-DD date string.
func WeekdayOf(date string) (int, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("date %q: %w", date, err)
	}
	return int(t.Weekday()), nil
}
