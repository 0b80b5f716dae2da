package wmi

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDateTime is returned for strings that are not CIM DATETIME values
var ErrInvalidDateTime = errors.New("invalid CIM datetime")

// cimLayout is the calendar part of a CIM DATETIME (yyyymmddHHMMSS)
const cimLayout = "20060102150405"

// DateTime is a parsed CIM DATETIME value of the form
// yyyymmddHHMMSS.mmmmmmsUUU, where s is the offset marker and UUU the
// unsigned offset in minutes.
type DateTime struct {
	Year        int
	Month       time.Month
	Day         int
	Hour        int
	Minute      int
	Second      int
	Microsecond int

	// OffsetMinutes is the unsigned offset. It is zero when the offset
	// field is the "***" wildcard.
	OffsetMinutes int
	// Positive is true when the offset marker is '+'
	Positive bool
}

// ParseDateTime parses a CIM DATETIME string
func ParseDateTime(s string) (DateTime, error) {
	if len(s) != 25 || s[14] != '.' {
		return DateTime{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
	}

	var d DateTime
	fields := []struct {
		dst        *int
		start, end int
	}{
		{&d.Year, 0, 4},
		{nil, 4, 6},
		{&d.Day, 6, 8},
		{&d.Hour, 8, 10},
		{&d.Minute, 10, 12},
		{&d.Second, 12, 14},
		{&d.Microsecond, 15, 21},
	}
	for _, f := range fields {
		n, ok := digits(s[f.start:f.end])
		if !ok {
			return DateTime{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
		}
		if f.dst == nil {
			d.Month = time.Month(n)
			continue
		}
		*f.dst = n
	}

	if d.Month < time.January || d.Month > time.December || d.Day < 1 ||
		d.Hour > 23 || d.Minute > 59 || d.Second > 60 {
		return DateTime{}, fmt.Errorf("%w: %q out of range", ErrInvalidDateTime, s)
	}
	// February 30th and friends
	if y, m, day := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Date(); y != d.Year || m != d.Month || day != d.Day {
		return DateTime{}, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidDateTime, s)
	}

	switch s[21] {
	case '+':
		d.Positive = true
	case '-':
	default:
		return DateTime{}, fmt.Errorf("%w: %q has no offset marker", ErrInvalidDateTime, s)
	}

	if tz := s[22:]; tz != "***" {
		n, ok := digits(tz)
		if !ok {
			return DateTime{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
		}
		d.OffsetMinutes = n
	}

	return d, nil
}

// digits parses an unsigned run of ASCII digits
func digits(s string) (int, bool) {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, len(s) > 0
}

// Unix returns the epoch second of the value. The calendar fields are
// read as UTC and then corrected by the offset: a '+' marker subtracts
// the offset, a '-' marker adds it. Sub-second precision is dropped.
func (d DateTime) Unix() int64 {
	local := time.Date(d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC).Unix()

	correction := int64(d.OffsetMinutes) * 60
	if d.Positive {
		correction = -correction
	}
	return local + correction
}

// Time returns Unix() as a UTC time
func (d DateTime) Time() time.Time {
	return time.Unix(d.Unix(), 0).UTC()
}

// Date returns the calendar date part as yyyymmdd
func (d DateTime) Date() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// FormatDateTime renders t as a CIM DATETIME in UTC with zeroed
// microseconds and a zero offset.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(cimLayout) + ".000000+000"
}
