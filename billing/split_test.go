package billing_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/billing"
	"github.com/warp/care-attendance/calendar"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func paris(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	return loc
}

func at(loc *time.Location, year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func interval(start, end time.Time) attendance.WorkInterval {
	return attendance.WorkInterval{Caregiver: "Alice", Start: start, End: end}
}

func newSplitter() *billing.Splitter {
	return billing.NewSplitter(calendar.New())
}

// =============================================================================
// PREMIUM SPLIT TESTS
// =============================================================================

func TestSplit_WeekdayMorningIsRegular(t *testing.T) {
	// GIVEN: Tuesday 10 June 2025, 09:00-11:00 Paris time
	loc := paris(t)
	iv := interval(at(loc, 2025, time.June, 10, 9, 0), at(loc, 2025, time.June, 10, 11, 0))

	// WHEN: splitting
	b := newSplitter().Split(iv, "FR", loc)

	// THEN: 120 regular minutes, no premium
	assert.Equal(t, 120*time.Minute, b.Regular)
	assert.Zero(t, b.Premium25)
	assert.Zero(t, b.Premium100)
}

func TestSplit_EveningBoundaryIsProportional(t *testing.T) {
	loc := paris(t)
	iv := interval(at(loc, 2025, time.June, 10, 19, 30), at(loc, 2025, time.June, 10, 20, 30))

	b := newSplitter().Split(iv, "FR", loc)

	assert.Equal(t, 30*time.Minute, b.Regular)
	assert.Equal(t, 30*time.Minute, b.Premium25)
	assert.Zero(t, b.Premium100)
}

func TestSplit_TwentyHundredItselfIsPremium(t *testing.T) {
	loc := paris(t)
	s := newSplitter()

	before := s.Split(interval(at(loc, 2025, time.June, 10, 19, 0), at(loc, 2025, time.June, 10, 20, 0)), "FR", loc)
	assert.Equal(t, time.Hour, before.Regular, "ending exactly at 20:00 is all regular")
	assert.Zero(t, before.Premium25)

	after := s.Split(interval(at(loc, 2025, time.June, 10, 20, 0), at(loc, 2025, time.June, 10, 21, 0)), "FR", loc)
	assert.Zero(t, after.Regular, "starting exactly at 20:00 is all premium")
	assert.Equal(t, time.Hour, after.Premium25)
}

func TestSplit_SundayIsFullPremiumRegardlessOfClock(t *testing.T) {
	// GIVEN: Sunday 8 June 2025, spanning the evening threshold
	loc := paris(t)
	iv := interval(at(loc, 2025, time.June, 8, 18, 0), at(loc, 2025, time.June, 8, 22, 0))

	b := newSplitter().Split(iv, "FR", loc)

	assert.Zero(t, b.Regular)
	assert.Zero(t, b.Premium25)
	assert.Equal(t, 4*time.Hour, b.Premium100)
}

func TestSplit_PublicHolidayIsFullPremium(t *testing.T) {
	loc := paris(t)
	iv := interval(at(loc, 2025, time.July, 14, 8, 0), at(loc, 2025, time.July, 14, 12, 0))

	b := newSplitter().Split(iv, "FR", loc)

	assert.Equal(t, 4*time.Hour, b.Premium100)
	assert.Equal(t, 4*time.Hour, b.Total())
}

func TestSplit_CrossesMidnightIntoSunday(t *testing.T) {
	// GIVEN: Saturday 7 June 23:00 → Sunday 8 June 01:00
	loc := paris(t)
	iv := interval(at(loc, 2025, time.June, 7, 23, 0), at(loc, 2025, time.June, 8, 1, 0))

	b := newSplitter().Split(iv, "FR", loc)

	// THEN: Saturday hour is evening premium, Sunday hour is full premium
	assert.Zero(t, b.Regular)
	assert.Equal(t, time.Hour, b.Premium25)
	assert.Equal(t, time.Hour, b.Premium100)
}

func TestSplit_HolidayStartingMidInterval(t *testing.T) {
	// GIVEN: Monday 10 Nov 22:00 → Tuesday 11 Nov (Armistice) 02:00
	loc := paris(t)
	iv := interval(at(loc, 2025, time.November, 10, 22, 0), at(loc, 2025, time.November, 11, 2, 0))

	b := newSplitter().Split(iv, "FR", loc)

	assert.Equal(t, 2*time.Hour, b.Premium25)
	assert.Equal(t, 2*time.Hour, b.Premium100)
}

func TestSplit_DegenerateIntervalIsZero(t *testing.T) {
	loc := paris(t)
	start := at(loc, 2025, time.June, 10, 9, 0)

	assert.Equal(t, billing.Buckets{}, newSplitter().Split(interval(start, start), "FR", loc))
	assert.Equal(t, billing.Buckets{}, newSplitter().Split(interval(start, start.Add(-time.Minute)), "FR", loc))
	assert.True(t, billing.Minutes(0).IsZero())
}

func TestSplit_UsesLocalClockNotUTC(t *testing.T) {
	// 18:30-19:30 UTC is 20:30-21:30 in Paris (CEST): all evening.
	loc := paris(t)
	iv := interval(
		time.Date(2025, time.June, 10, 18, 30, 0, 0, time.UTC),
		time.Date(2025, time.June, 10, 19, 30, 0, 0, time.UTC),
	)

	b := newSplitter().Split(iv, "FR", loc)

	assert.Zero(t, b.Regular)
	assert.Equal(t, time.Hour, b.Premium25)
}

func TestSplit_CustomEveningThreshold(t *testing.T) {
	loc := paris(t)
	s := newSplitter()
	s.Rules = billing.PremiumRules{EveningStartHour: 21, EveningStartMinute: 30}

	b := s.Split(interval(at(loc, 2025, time.June, 10, 21, 0), at(loc, 2025, time.June, 10, 22, 0)), "FR", loc)

	assert.Equal(t, 30*time.Minute, b.Regular)
	assert.Equal(t, 30*time.Minute, b.Premium25)
}

func TestSplit_SecondsAreKept(t *testing.T) {
	loc := paris(t)
	start := at(loc, 2025, time.June, 10, 19, 59).Add(30 * time.Second)
	b := newSplitter().Split(interval(start, start.Add(time.Minute)), "FR", loc)

	assert.Equal(t, 30*time.Second, b.Regular)
	assert.Equal(t, 30*time.Second, b.Premium25)
	assert.Equal(t, "0.5", billing.Minutes(b.Regular).String())
}
