package calendar

import (
	"errors"
	"math"
	"time"
)

// Day is the unit penalties are charged in.
const Day = 24 * time.Hour

var ErrInvalidDate = errors.New("invalid date")

// DaysBetween returns the number of days from a to b, rounding any partial day up.
// It is negative when b is before a.
func DaysBetween(a, b time.Time) int {
	return int(math.Ceil(float64(b.Sub(a)) / float64(Day)))
}

// AddDays shifts t by n calendar days.
func AddDays(t time.Time, n int) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, ErrInvalidDate
	}
	return t.AddDate(0, 0, n), nil
}

// AddMonths shifts t by n calendar months. Overflowing days roll into the
// following month (Jan 31 + 1 month is Mar 3 in a non-leap year).
func AddMonths(t time.Time, n int) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, ErrInvalidDate
	}
	return t.AddDate(0, n, 0), nil
}

// StartOfDay returns midnight of t's date in loc. A nil loc means UTC.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
