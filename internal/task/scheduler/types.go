package scheduler

import (
	"fmt"
	"time"
)

// Frequency is the recurrence cadence of a post schedule.
type Frequency int

const (
	Once Frequency = iota
	Daily
	Weekly
)

func (f Frequency) String() string {
	switch f {
	case Once:
		return "once"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return fmt.Sprintf("frequency(%d)", int(f))
	}
}

// Valid reports whether f is one of the supported cadences.
func (f Frequency) Valid() bool { return f == Once || f == Daily || f == Weekly }

// step returns the calendar-day increment between occurrences (0 for Once).
func (f Frequency) step() int {
	switch f {
	case Daily:
		return 1
	case Weekly:
		return 7
	default:
		return 0
	}
}

func (f Frequency) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Frequency) UnmarshalText(b []byte) error {
	v, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Date is a calendar date without a time of day or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return o.Before(d) }

// DaysUntil returns the number of calendar days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	a := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	b := time.Date(o.Year, o.Month, o.Day, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Request describes a post schedule.
//
// EndDate is inclusive and ignored for Once.
type Request struct {
	StartAt   time.Time `json:"start_at"`
	EndDate   Date      `json:"end_date"`
	Frequency Frequency `json:"frequency"`
}

// Combine builds the instant for date d at clock c in loc (UTC when loc is nil).
func Combine(d Date, c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc)
}
