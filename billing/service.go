package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/calendar"
)

// =============================================================================
// MONTHLY SUMMARY
// =============================================================================

// Warning codes surfaced next to a summary.
const (
	WarnFallbackRate       = "fallback_rate"
	WarnMalformedRate      = "malformed_rate"
	WarnOpenIntervals      = "open_intervals"
	WarnUnknownTimezone    = "unknown_timezone"
	WarnUnsupportedCountry = "unsupported_country"
)

type Warning struct {
	Code    string
	Message string
}

// AllowanceUsage compares worked hours with the monthly allowance in force
// on the first day of the month.
type AllowanceUsage struct {
	Applicable     bool
	AllowanceHours decimal.Decimal
	WorkedHours    decimal.Decimal
	CoveredHours   decimal.Decimal
	OverHours      decimal.Decimal
}

type MonthlySummary struct {
	BeneficiaryID   attendance.BeneficiaryID
	BeneficiaryName string
	Currency        string
	Month           attendance.Month
	Window          attendance.Window
	Report          Report
	OpenIntervals   []Anomaly
	Allowance       AllowanceUsage
	Warnings        []Warning
}

// SummaryInput is the immutable snapshot a summary is computed from.
type SummaryInput struct {
	Beneficiary  attendance.Beneficiary
	Month        attendance.Month
	Events       []attendance.CheckEvent
	RateHistory  []attendance.RateHistoryEntry
	FallbackRate decimal.Decimal
}

// Summarize is the pure billing pipeline. Same input, same output.
func Summarize(s *Splitter, in SummaryInput) MonthlySummary {
	b := in.Beneficiary
	out := MonthlySummary{
		BeneficiaryID:   b.ID,
		BeneficiaryName: b.Name,
		Currency:        b.Currency,
		Month:           in.Month,
	}

	loc, err := b.Location()
	if err != nil {
		loc = time.UTC
		out.Warnings = append(out.Warnings, Warning{
			Code:    WarnUnknownTimezone,
			Message: fmt.Sprintf("timezone %q not found, billing in UTC", b.Timezone),
		})
	}
	out.Window = in.Month.Window(loc)

	if reg, ok := s.Calendar.(*calendar.Registry); ok && !reg.Supports(b.Country) {
		out.Warnings = append(out.Warnings, Warning{
			Code:    WarnUnsupportedCountry,
			Message: fmt.Sprintf("no public holidays known for %q, only Sundays are premium", b.Country),
		})
	}

	schedule := NewRateSchedule(in.RateHistory, in.FallbackRate)
	for _, e := range schedule.Skipped() {
		out.Warnings = append(out.Warnings, Warning{
			Code:    WarnMalformedRate,
			Message: fmt.Sprintf("ignored rate entry effective %s with billing rate %s", e.EffectiveFrom, e.BillingRate),
		})
	}

	var inWindow []attendance.CheckEvent
	for _, ev := range in.Events {
		if out.Window.Contains(ev.AcceptedAt) {
			inWindow = append(inWindow, ev)
		}
	}
	rec := Reconstruct(inWindow)
	out.OpenIntervals = rec.Anomalies
	if len(rec.Anomalies) > 0 {
		out.Warnings = append(out.Warnings, Warning{
			Code:    WarnOpenIntervals,
			Message: fmt.Sprintf("%d event(s) could not be paired and were not billed", len(rec.Anomalies)),
		})
	}

	out.Report = Aggregate(rec.Intervals, schedule, s, b.Country, loc)
	if out.Report.FallbackIntervals > 0 {
		out.Warnings = append(out.Warnings, Warning{
			Code: WarnFallbackRate,
			Message: fmt.Sprintf("%d interval(s) priced at fallback rate %s: no rate in effect",
				out.Report.FallbackIntervals, in.FallbackRate),
		})
	}

	out.Allowance = allowanceUsage(schedule.RateFor(in.Month.FirstDay()), out.Report.Totals.Buckets.Total())
	return out
}

func allowanceUsage(rate Rate, worked time.Duration) AllowanceUsage {
	hours := Minutes(worked).Div(decimal.NewFromInt(60))
	u := AllowanceUsage{WorkedHours: hours}
	if rate.AllowanceHours == nil {
		return u
	}
	u.Applicable = true
	u.AllowanceHours = *rate.AllowanceHours
	u.CoveredHours = decimal.Min(hours, u.AllowanceHours)
	u.OverHours = decimal.Max(hours.Sub(u.AllowanceHours), decimal.Zero)
	return u
}

// =============================================================================
// SERVICE - Loads the snapshot from stores
// =============================================================================

type Service struct {
	Beneficiaries attendance.BeneficiaryDirectory
	Events        attendance.EventStore
	Rates         attendance.RateHistoryStore
	Splitter      *Splitter
	FallbackRate  decimal.Decimal
	Logger        *slog.Logger
}

func NewService(
	beneficiaries attendance.BeneficiaryDirectory,
	events attendance.EventStore,
	rates attendance.RateHistoryStore,
	cal calendar.HolidayCalendar,
	fallback decimal.Decimal,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Beneficiaries: beneficiaries,
		Events:        events,
		Rates:         rates,
		Splitter:      NewSplitter(cal),
		FallbackRate:  fallback,
		Logger:        logger,
	}
}

// SummaryRequest identifies one beneficiary-month. A nil FallbackRate uses
// the service default.
type SummaryRequest struct {
	BeneficiaryID attendance.BeneficiaryID
	Month         attendance.Month
	FallbackRate  *decimal.Decimal
}

// ComputeMonthlySummary loads the month's events and the rate history and
// runs the billing pipeline.
func (s *Service) ComputeMonthlySummary(ctx context.Context, id attendance.BeneficiaryID, month attendance.Month) (MonthlySummary, error) {
	return s.Compute(ctx, SummaryRequest{BeneficiaryID: id, Month: month})
}

func (s *Service) Compute(ctx context.Context, req SummaryRequest) (MonthlySummary, error) {
	log := s.Logger.With("service", "billing", "beneficiary_id", req.BeneficiaryID, "month", req.Month.String())

	b, err := s.Beneficiaries.Get(ctx, req.BeneficiaryID)
	if err != nil {
		return MonthlySummary{}, attendance.Transient("get beneficiary", err)
	}

	loc, err := b.Location()
	if err != nil {
		loc = time.UTC
	}
	events, err := s.Events.ListEvents(ctx, b.ID, req.Month.Window(loc))
	if err != nil {
		log.Error("list events failed", "error", err)
		return MonthlySummary{}, attendance.Transient("list events", err)
	}
	rates, err := s.Rates.ListRateHistory(ctx, b.ID)
	if err != nil {
		log.Error("list rate history failed", "error", err)
		return MonthlySummary{}, attendance.Transient("list rate history", err)
	}

	fallback := s.FallbackRate
	if req.FallbackRate != nil {
		fallback = *req.FallbackRate
	}
	summary := Summarize(s.Splitter, SummaryInput{
		Beneficiary:  b,
		Month:        req.Month,
		Events:       events,
		RateHistory:  rates,
		FallbackRate: fallback,
	})

	log.Info("monthly summary computed",
		"events", len(events),
		"intervals", summary.Report.Totals.Intervals,
		"total", summary.Report.Totals.Amounts.Total.StringFixed(2),
		"warnings", len(summary.Warnings),
	)
	return summary, nil
}

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request SummaryRequest
	Summary MonthlySummary
	Err     error
}

// ComputeBatch computes several beneficiary-months concurrently. A failing
// request does not cancel the others; its error is reported in its result.
func (s *Service) ComputeBatch(ctx context.Context, reqs []SummaryRequest, parallelism int) []BatchResult {
	if parallelism <= 0 {
		parallelism = 4
	}
	results := make([]BatchResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			summary, err := s.Compute(gctx, req)
			results[i] = BatchResult{Request: req, Summary: summary, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
