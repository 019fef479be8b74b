package utils

import (
	"fmt"
	"time"
)

// DateLayout is the layout of local calendar dates (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// LoadLocation resolves an IANA zone name, falling back to UTC for empty or unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDateString returns the calendar date of instant in loc.
func LocalDateString(instant time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return instant.In(loc).Format(DateLayout)
}

// DayDiff returns the number of calendar days from a to b (b - a).
// Both are local dates, so DST transitions never shorten or stretch a day.
func DayDiff(a, b string) (int, error) {
	da, err := time.ParseInLocation(DateLayout, a, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", a, err)
	}
	db, err := time.ParseInLocation(DateLayout, b, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", b, err)
	}
	return int(db.Sub(da).Hours() / 24), nil
}

// AddDays shifts a local date by n calendar days.
func AddDays(date string, n int) (string, error) {
	d, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", date, err)
	}
	return d.AddDate(0, 0, n).Format(DateLayout), nil
}

// DayWindow returns [start, end) of the local day containing instant, as UTC instants.
func DayWindow(instant time.Time, loc *time.Location) (time.Time, time.Time) {
	local := instant.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return start.UTC(), end.UTC()
}

// ISOWeekKey returns the ISO week of instant in loc, e.g. "2026-W42".
func ISOWeekKey(instant time.Time, loc *time.Location) string {
	year, week := instant.In(loc).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// WeekWindow returns [Monday 00:00, next Monday 00:00) of the local ISO week containing instant.
func WeekWindow(instant time.Time, loc *time.Location) (time.Time, time.Time) {
	local := instant.In(loc)
	offset := (int(local.Weekday()) + 6) % 7 // days since Monday
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	end := time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, loc)
	return start.UTC(), end.UTC()
}

// PreviousISOWeekKey returns the key of the week before the one containing instant.
func PreviousISOWeekKey(instant time.Time, loc *time.Location) string {
	start, _ := WeekWindow(instant, loc)
	return ISOWeekKey(start.Add(-time.Hour), loc)
}
