package types

import (
	"fmt"
	"time"
)

// DayLayout is the wire and storage format for a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date with no time-of-day or zone component.
// It is the partition key for harvesting and auditing.
type Day struct {
	t time.Time
}

// NewDay returns the Day for the given year, month and day of month.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return NewDay(y, m, d)
}

// Today returns the current UTC day.
func Today() Day {
	return DayOf(time.Now().UTC())
}

// ParseDay parses a YYYY-MM-DD string. Timestamps such as
// "2024-07-04T00:00:00" are accepted and truncated to their date.
func ParseDay(s string) (Day, error) {
	if len(s) > len(DayLayout) && s[len(DayLayout)] == 'T' {
		s = s[:len(DayLayout)]
	}
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalidDay, s)
	}
	return DayOf(t), nil
}

// MustParseDay is ParseDay for constants and tests.
func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DayLayout)
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d.t.IsZero()
}

// Time returns midnight UTC of d.
func (d Day) Time() time.Time {
	return d.t
}

// AddDays returns d shifted by n days.
func (d Day) AddDays(n int) Day {
	return Day{t: d.t.AddDate(0, 0, n)}
}

func (d Day) Before(o Day) bool { return d.t.Before(o.t) }
func (d Day) After(o Day) bool  { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool  { return d.t.Equal(o.t) }

// DaysUntil returns the number of whole days from d to o (negative if o is earlier).
func (d Day) DaysUntil(o Day) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// IsWeekend reports whether d falls on a Saturday or Sunday.
func (d Day) IsWeekend() bool {
	wd := d.t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Day{}
		return nil
	}
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive range of days.
type DateRange struct {
	Start Day
	End   Day
}

// NewDateRange validates and returns the inclusive range [start, end].
func NewDateRange(start, end Day) (DateRange, error) {
	if start.IsZero() || end.IsZero() {
		return DateRange{}, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end, start)
	}
	return DateRange{Start: start, End: end}, nil
}

// ParseDateRange parses two YYYY-MM-DD strings into a DateRange.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := ParseDay(start)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDay(end)
	if err != nil {
		return DateRange{}, err
	}
	return NewDateRange(s, e)
}

// Days returns every day in the range in ascending order.
func (r DateRange) Days() []Day {
	n := r.Len()
	days := make([]Day, 0, n)
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Len returns the number of days in the range.
func (r DateRange) Len() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.Start.DaysUntil(r.End) + 1
}

// Contains reports whether d lies within the range.
func (r DateRange) Contains(d Day) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}
