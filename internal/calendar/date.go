// Package calendar provides the world calendar: game dates, daily advancement
// and age arithmetic. Month lengths follow the proleptic Gregorian calendar.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrInvalidDate is returned when a month or day is out of range.
var ErrInvalidDate = errors.New("invalid game date")

var monthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var daysPerMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// GameDate is a calendar day in simulation time.
type GameDate struct {
	Year  int `json:"year"`
	Month int `json:"month"` // 1–12
	Day   int `json:"day"`   // 1–DaysInMonth
}

// IsLeapYear reports whether year has a February 29th.
// Year 0 is a leap year (divisible by 400).
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInMonth returns the number of days in the month, or 0 for an invalid month.
func DaysInMonth(year, month int) int {
	if month < 1 || month > 12 {
		return 0
	}
	if month == 2 && IsLeapYear(year) {
		return 29
	}
	return daysPerMonth[month-1]
}

// New returns a validated date. Out-of-range values are rejected, never normalized.
func New(year, month, day int) (GameDate, error) {
	d := GameDate{Year: year, Month: month, Day: day}
	if err := d.Valid(); err != nil {
		return GameDate{}, err
	}
	return d, nil
}

// MustNew is like New but panics on an invalid date.
func MustNew(year, month, day int) GameDate {
	d, err := New(year, month, day)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a date in YYYY-MM-DD form. The year may carry a sign.
func Parse(s string) (GameDate, error) {
	s = strings.TrimSpace(s)
	dayIdx := strings.LastIndex(s, "-")
	if dayIdx <= 0 {
		return GameDate{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, s)
	}
	monthIdx := strings.LastIndex(s[:dayIdx], "-")
	if monthIdx <= 0 {
		return GameDate{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, s)
	}

	year, err := strconv.Atoi(s[:monthIdx])
	if err != nil {
		return GameDate{}, fmt.Errorf("%w: year in %q", ErrInvalidDate, s)
	}
	month, err := strconv.Atoi(s[monthIdx+1 : dayIdx])
	if err != nil {
		return GameDate{}, fmt.Errorf("%w: month in %q", ErrInvalidDate, s)
	}
	day, err := strconv.Atoi(s[dayIdx+1:])
	if err != nil {
		return GameDate{}, fmt.Errorf("%w: day in %q", ErrInvalidDate, s)
	}
	return New(year, month, day)
}

// Valid returns ErrInvalidDate (wrapped) when the month or day is out of range.
func (d GameDate) Valid() error {
	if d.Month < 1 || d.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidDate, d.Month)
	}
	if limit := DaysInMonth(d.Year, d.Month); d.Day < 1 || d.Day > limit {
		return fmt.Errorf("%w: day %d of %s %d (max %d)", ErrInvalidDate, d.Day, monthNames[d.Month-1], d.Year, limit)
	}
	return nil
}

// Next returns the following day, rolling over month and year boundaries.
func (d GameDate) Next() GameDate {
	d.Day++
	if d.Day > DaysInMonth(d.Year, d.Month) {
		d.Day = 1
		d.Month++
		if d.Month > 12 {
			d.Month = 1
			d.Year++
		}
	}
	return d
}

// Advance moves the date forward by exactly one day in place.
func (d *GameDate) Advance() {
	*d = d.Next()
}

// AddDays returns the date n days later. Negative n is treated as zero.
func (d GameDate) AddDays(n int) GameDate {
	for i := 0; i < n; i++ {
		d = d.Next()
	}
	return d
}

// Compare returns -1, 0 or +1 as d is before, equal to or after other.
func (d GameDate) Compare(other GameDate) int {
	switch {
	case d.Year != other.Year:
		return cmpInt(d.Year, other.Year)
	case d.Month != other.Month:
		return cmpInt(d.Month, other.Month)
	default:
		return cmpInt(d.Day, other.Day)
	}
}

// Before reports whether d is strictly earlier than other.
func (d GameDate) Before(other GameDate) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly later than other.
func (d GameDate) After(other GameDate) bool { return d.Compare(other) > 0 }

// String formats the date as YYYY-MM-DD, zero-padded.
func (d GameDate) String() string {
	if d.Year < 0 {
		return fmt.Sprintf("-%04d-%02d-%02d", -d.Year, d.Month, d.Day)
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Long returns a human-readable form such as "5th of March, year 12".
func (d GameDate) Long() string {
	if d.Month < 1 || d.Month > 12 {
		return d.String()
	}
	return fmt.Sprintf("%s of %s, year %d", humanize.Ordinal(d.Day), monthNames[d.Month-1], d.Year)
}

// Age returns completed years between birthday and current. The year counts
// as completed on the day month and day match the birthday; a February 29th
// birthday is reached on March 1st in common years.
func Age(birthday, current GameDate) int {
	age := current.Year - birthday.Year
	if current.Month < birthday.Month ||
		(current.Month == birthday.Month && current.Day < birthday.Day) {
		age--
	}
	return age
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
