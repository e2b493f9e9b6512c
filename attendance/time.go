package attendance

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock abstracts "now" so boundary timestamps can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a controllable clock for tests and demos.
type ManualClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

// =============================================================================
// DATE - Civil calendar date, no time component
// =============================================================================

const DateLayout = "2006-01-02"

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	// Normalize through time.Date so overflowing days roll into the next month.
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf returns the calendar date of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Date{Year: lt.Year(), Month: lt.Month(), Day: lt.Day()}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Midnight returns the first instant of the date in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the instant at hour:minute on the date in loc.
func (d Date) At(hour, minute int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

func (d Date) utc() time.Time { return d.Midnight(time.UTC) }

func (d Date) AddDays(n int) Date       { return NewDate(d.Year, d.Month, d.Day+n) }
func (d Date) Weekday() time.Weekday    { return d.utc().Weekday() }
func (d Date) IsSunday() bool           { return d.Weekday() == time.Sunday }
func (d Date) IsZero() bool             { return d == Date{} }
func (d Date) Before(other Date) bool   { return d.Compare(other) < 0 }
func (d Date) After(other Date) bool    { return d.Compare(other) > 0 }
func (d Date) String() string           { return d.utc().Format(DateLayout) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return sign(d.Year - other.Year)
	case d.Month != other.Month:
		return sign(int(d.Month) - int(other.Month))
	default:
		return sign(d.Day - other.Day)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// =============================================================================
// MONTH & WINDOW - Reporting periods
// =============================================================================

// Month identifies a billing month.
type Month struct {
	Year  int
	Month time.Month
}

func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func MonthOf(d Date) Month { return Month{Year: d.Year, Month: d.Month} }

func (m Month) FirstDay() Date { return NewDate(m.Year, m.Month, 1) }
func (m Month) Next() Month    { return MonthOf(NewDate(m.Year, m.Month+1, 1)) }
func (m Month) Previous() Month {
	return MonthOf(NewDate(m.Year, m.Month-1, 1))
}
func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// Window returns [local midnight of the 1st, local midnight of the next 1st).
func (m Month) Window(loc *time.Location) Window {
	return Window{
		From: m.FirstDay().Midnight(loc),
		To:   m.Next().FirstDay().Midnight(loc),
	}
}

// Window is a half-open instant range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

func (w Window) String() string {
	return "[" + w.From.Format(time.RFC3339) + ", " + w.To.Format(time.RFC3339) + ")"
}
