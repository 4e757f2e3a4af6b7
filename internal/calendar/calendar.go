// internal/calendar/calendar.go
package calendar

import (
	"time"
)

// Layout is the wire format for calendar dates.
const Layout = "2006-01-02"

// Day truncates t to midnight UTC of the calendar day it falls on in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar day.
func Today() time.Time {
	return Day(time.Now())
}

// AddDays moves a calendar day forward (or back) by n days.
func AddDays(day time.Time, n int) time.Time {
	return Day(day).AddDate(0, 0, n)
}

// DaysBetween returns to - from in whole calendar days.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

// Parse reads a YYYY-MM-DD date.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Format renders a day as YYYY-MM-DD.
func Format(day time.Time) string {
	return Day(day).Format(Layout)
}
