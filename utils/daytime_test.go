package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestLocalDateStringAcrossZones(t *testing.T) {
	instant := time.Date(2026, 10, 15, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "2026-10-15", LocalDateString(instant, time.UTC))
	assert.Equal(t, "2026-10-16", LocalDateString(instant, mustLoad(t, "Asia/Tokyo")))
	assert.Equal(t, "2026-10-15", LocalDateString(instant, mustLoad(t, "America/Los_Angeles")))
	assert.Equal(t, "2026-10-15", LocalDateString(instant, nil))
}

func TestDayDiff(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want int
	}{
		{"same day", "2026-10-15", "2026-10-15", 0},
		{"next day", "2026-10-15", "2026-10-16", 1},
		{"month rollover", "2026-01-31", "2026-02-01", 1},
		{"year rollover", "2025-12-31", "2026-01-01", 1},
		{"leap day", "2028-02-28", "2028-03-01", 2},
		{"backwards", "2026-10-16", "2026-10-15", -1},
		{"spring forward", "2026-03-07", "2026-03-09", 2},
		{"fall back", "2026-10-31", "2026-11-02", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DayDiff(tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDayDiffRejectsGarbage(t *testing.T) {
	_, err := DayDiff("yesterday", "2026-10-15")
	assert.Error(t, err)
}

func TestDSTDayIsStillOneDay(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2026-03-08 is 23 hours long in New York.
	before := time.Date(2026, 3, 7, 23, 30, 0, 0, ny)
	after := before.Add(24 * time.Hour) // lands on 2026-03-09 00:30 local

	d, err := DayDiff(LocalDateString(before, ny), LocalDateString(after, ny))
	require.NoError(t, err)
	assert.Equal(t, 2, d)

	start, end := DayWindow(time.Date(2026, 3, 8, 12, 0, 0, 0, ny), ny)
	assert.Equal(t, 23*time.Hour, end.Sub(start))

	start, end = DayWindow(time.Date(2026, 11, 1, 12, 0, 0, 0, ny), ny)
	assert.Equal(t, 25*time.Hour, end.Sub(start))
}

func TestISOWeekKey(t *testing.T) {
	assert.Equal(t, "2026-W42", ISOWeekKey(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), time.UTC))
	// 2027-01-01 is a Friday and belongs to ISO week 53 of 2026.
	assert.Equal(t, "2026-W53", ISOWeekKey(time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC))
	// Sunday night UTC is already Monday in Tokyo.
	sunday := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-W42", ISOWeekKey(sunday, time.UTC))
	assert.Equal(t, "2026-W43", ISOWeekKey(sunday, mustLoad(t, "Asia/Tokyo")))
}

func TestWeekWindow(t *testing.T) {
	start, end := WeekWindow(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), end)

	assert.Equal(t, "2026-W41", PreviousISOWeekKey(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), time.UTC))
	assert.Equal(t, "2025-W52", PreviousISOWeekKey(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC))
}

func TestAddDays(t *testing.T) {
	d, err := AddDays("2026-12-31", 1)
	require.NoError(t, err)
	assert.Equal(t, "2027-01-01", d)
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Not/AZone"))
	assert.Equal(t, "Europe/Berlin", LoadLocation("Europe/Berlin").String())
}
