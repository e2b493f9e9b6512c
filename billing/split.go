package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/calendar"
)

// =============================================================================
// PREMIUM RULES
// =============================================================================

// PremiumRules holds the clock thresholds of the premium split. Only the
// evening start exists today.
type PremiumRules struct {
	EveningStartHour   int
	EveningStartMinute int
}

// DefaultPremiumRules: evening premium from 20:00 local time.
var DefaultPremiumRules = PremiumRules{EveningStartHour: 20}

func (r PremiumRules) eveningStart(d attendance.Date, loc *time.Location) time.Time {
	return d.At(r.EveningStartHour, r.EveningStartMinute, loc)
}

// =============================================================================
// BUCKETS
// =============================================================================

// Buckets partitions an interval's duration. The three fields always sum to
// the interval's duration.
type Buckets struct {
	Regular    time.Duration
	Premium25  time.Duration // evening on an ordinary day
	Premium100 time.Duration // Sunday or public holiday
}

func (b Buckets) Add(o Buckets) Buckets {
	return Buckets{
		Regular:    b.Regular + o.Regular,
		Premium25:  b.Premium25 + o.Premium25,
		Premium100: b.Premium100 + o.Premium100,
	}
}

func (b Buckets) Total() time.Duration { return b.Regular + b.Premium25 + b.Premium100 }

var nanosPerMinute = decimal.NewFromInt(int64(time.Minute))

// Minutes converts a duration to exact decimal minutes.
func Minutes(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d)).Div(nanosPerMinute)
}

// =============================================================================
// SPLITTER
// =============================================================================

// Splitter classifies each minute of a work interval by the beneficiary's
// local calendar and clock.
type Splitter struct {
	Calendar calendar.HolidayCalendar
	Rules    PremiumRules
}

func NewSplitter(cal calendar.HolidayCalendar) *Splitter {
	return &Splitter{Calendar: cal, Rules: DefaultPremiumRules}
}

// Split cuts the interval at every local midnight, then classifies each
// piece by its own date: Sundays and holidays go to Premium100 entirely,
// ordinary days split at the evening threshold (the threshold instant itself
// is premium). A zero or negative interval yields empty buckets.
func (s *Splitter) Split(iv attendance.WorkInterval, country string, loc *time.Location) Buckets {
	var out Buckets
	if loc == nil {
		loc = time.UTC
	}
	if !iv.End.After(iv.Start) {
		return out
	}

	start := iv.Start
	for start.Before(iv.End) {
		day := attendance.DateOf(start, loc)
		end := day.AddDays(1).Midnight(loc)
		if end.After(iv.End) {
			end = iv.End
		}
		out = out.Add(s.splitDay(day, start, end, country, loc))
		start = end
	}
	return out
}

// splitDay handles a piece [start, end) lying within one local date.
func (s *Splitter) splitDay(day attendance.Date, start, end time.Time, country string, loc *time.Location) Buckets {
	if calendar.Classify(s.Calendar, country, day) != calendar.Ordinary {
		return Buckets{Premium100: end.Sub(start)}
	}

	evening := s.Rules.eveningStart(day, loc)
	var b Buckets
	if start.Before(evening) {
		b.Regular = minTime(end, evening).Sub(start)
	}
	if end.After(evening) {
		b.Premium25 = end.Sub(maxTime(start, evening))
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
