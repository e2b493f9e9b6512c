/*
Package billing turns accepted check events into priced monthly summaries.

PURPOSE:
  Billing is a pure function of an immutable snapshot: the events accepted
  in a month, the beneficiary's rate history, and the holiday calendar.
  Nothing here keeps running state, so a summary can be recomputed at any
  time, or for several beneficiaries in parallel, with identical output.

PIPELINE:
  1. Reconstruct (intervals.go): events → work intervals + anomalies
  2. Split (split.go):           interval → regular/premium25/premium100 time
  3. RateFor (rates.go):         interval start date → hourly rate
  4. Aggregate (aggregate.go):   buckets × rates → per-caregiver summaries

PRECISION:
  Durations are exact (time.Duration), money is decimal.Decimal. Rounding to
  cents happens only in Report.Rounded and in the API layer, never before
  summing.

SEE ALSO:
  - service.go: loads the snapshot from stores and runs the pipeline
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
)

// =============================================================================
// PREMIUM MULTIPLIERS - Business constants relative to the billing rate
// =============================================================================

var (
	// Premium25Multiplier applies to evening time on ordinary days.
	Premium25Multiplier = decimal.RequireFromString("1.25")

	// Premium100Multiplier applies to Sundays and public holidays.
	Premium100Multiplier = decimal.NewFromInt(2)
)

// Rate is the resolved hourly pricing for one calendar date.
type Rate struct {
	Billing        decimal.Decimal
	Conventioned   decimal.Decimal
	AllowanceHours *decimal.Decimal
	EffectiveFrom  attendance.Date // zero when Fallback
	Fallback       bool
}

// =============================================================================
// RATE SCHEDULE
// =============================================================================

// RateSchedule resolves the rate in effect on a date from a rate history.
type RateSchedule struct {
	entries  []attendance.RateHistoryEntry // ascending EffectiveFrom
	fallback decimal.Decimal
	skipped  []attendance.RateHistoryEntry
}

// NewRateSchedule sorts entries by effective date. Entries with a
// non-positive billing rate or no effective date are dropped and reported by
// Skipped, so the caller can warn instead of failing the report.
func NewRateSchedule(entries []attendance.RateHistoryEntry, fallback decimal.Decimal) *RateSchedule {
	s := &RateSchedule{fallback: fallback}
	for _, e := range entries {
		if e.EffectiveFrom.IsZero() || !e.BillingRate.IsPositive() {
			s.skipped = append(s.skipped, e)
			continue
		}
		s.entries = append(s.entries, e)
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].EffectiveFrom.Before(s.entries[j].EffectiveFrom)
	})
	return s
}

// RateFor returns the entry with the latest EffectiveFrom <= date, or the
// fallback for both billing and conventioned rate when none qualifies.
func (s *RateSchedule) RateFor(date attendance.Date) Rate {
	// First entry strictly after date; the one before it applies.
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].EffectiveFrom.After(date)
	})
	if i == 0 {
		return Rate{Billing: s.fallback, Conventioned: s.fallback, Fallback: true}
	}
	e := s.entries[i-1]
	return Rate{
		Billing:        e.BillingRate,
		Conventioned:   e.Conventioned(),
		AllowanceHours: e.AllowanceHours,
		EffectiveFrom:  e.EffectiveFrom,
	}
}

// Skipped lists malformed entries that were ignored.
func (s *RateSchedule) Skipped() []attendance.RateHistoryEntry { return s.skipped }

func (s *RateSchedule) Fallback() decimal.Decimal { return s.fallback }
