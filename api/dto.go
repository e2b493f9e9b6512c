/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract: amounts are
  rounded to cents and rendered as strings, durations as decimal minutes,
  instants as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Taps:          ChallengeRequest, ChallengeDTO, SubmitEventRequest, EventDTO
  Billing:       SummaryDTO, CaregiverDTO, TotalsDTO, BucketsDTO, AmountsDTO,
                 AllowanceDTO, WarningDTO, BatchRequest, BatchResultDTO
  Beneficiaries: BeneficiaryCreatedDTO, SecretDTO, RotateSecretRequest
  Calendar:      HolidayDTO

VALIDATION:
  Validation is done by the domain (checkin, factory), not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/beneficiary.go: BeneficiaryJSON and RateJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/billing"
	"github.com/warp/care-attendance/calendar"
	"github.com/warp/care-attendance/factory"
)

// =============================================================================
// TAP TYPES
// =============================================================================

// ChallengeRequest is sent by the caregiver device right after the tap.
type ChallengeRequest struct {
	PublicCode      string `json:"public_code"`
	Secret          string `json:"secret"`
	Method          string `json:"method,omitempty"` // nfc (default) or qr
	ClientTimestamp string `json:"client_timestamp"` // RFC 3339
}

// ChallengeDTO is the issued single-use token.
type ChallengeDTO struct {
	Token           string `json:"token"`
	ExpiresAt       string `json:"expires_at"`
	BeneficiaryName string `json:"beneficiary_name"`
}

// LocationDTO is a device-reported coordinate.
type LocationDTO struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SubmitEventRequest redeems a challenge for a check-in or check-out.
type SubmitEventRequest struct {
	PublicCode    string       `json:"public_code"`
	Secret        string       `json:"secret"`
	Token         string       `json:"token"`
	TapTimestamp  string       `json:"tap_timestamp"` // RFC 3339
	Method        string       `json:"method"`
	CaregiverName string       `json:"caregiver_name"`
	Action        string       `json:"action"`
	Location      *LocationDTO `json:"location,omitempty"`
	PhotoRef      string       `json:"photo_ref,omitempty"`
}

// EventDTO represents an accepted check event.
type EventDTO struct {
	ID               string       `json:"id"`
	BeneficiaryID    string       `json:"beneficiary_id"`
	CaregiverName    string       `json:"caregiver_name"`
	Action           string       `json:"action"`
	TapAt            string       `json:"tap_at"`
	AcceptedAt       string       `json:"accepted_at"`
	Method           string       `json:"method"`
	Location         *LocationDTO `json:"location,omitempty"`
	PhotoRef         string       `json:"photo_ref,omitempty"`
	SecretValidated  bool         `json:"secret_validated"`
	LocationRequired bool         `json:"location_required"`
	Status           string       `json:"status,omitempty"` // paired, open, superseded, orphaned
}

// EventListDTO is the month's raw event log.
type EventListDTO struct {
	BeneficiaryID string     `json:"beneficiary_id"`
	Month         string     `json:"month"`
	Events        []EventDTO `json:"events"`
}

// =============================================================================
// BILLING TYPES
// =============================================================================

// BucketsDTO holds minutes per premium class.
type BucketsDTO struct {
	RegularMinutes    string `json:"regular_minutes"`
	Premium25Minutes  string `json:"premium25_minutes"`
	Premium100Minutes string `json:"premium100_minutes"`
	TotalMinutes      string `json:"total_minutes"`
}

// AmountsDTO holds money rounded to cents.
type AmountsDTO struct {
	Regular    string `json:"regular"`
	Premium25  string `json:"premium25"`
	Premium100 string `json:"premium100"`
	Total      string `json:"total"`
}

type CaregiverDTO struct {
	Caregiver    string        `json:"caregiver"`
	Intervals    int           `json:"intervals"`
	Buckets      BucketsDTO    `json:"buckets"`
	Amounts      AmountsDTO    `json:"amounts"`
	Conventioned string        `json:"conventioned"`
	Lines        []IntervalDTO `json:"lines,omitempty"`
}

// IntervalDTO is one priced work interval.
type IntervalDTO struct {
	Start     string     `json:"start"`
	End       string     `json:"end"`
	LocalDate string     `json:"local_date"`
	Rate      string     `json:"rate"`
	Fallback  bool       `json:"fallback_rate,omitempty"`
	Buckets   BucketsDTO `json:"buckets"`
	Amounts   AmountsDTO `json:"amounts"`
}

type TotalsDTO struct {
	Intervals    int        `json:"intervals"`
	Buckets      BucketsDTO `json:"buckets"`
	Amounts      AmountsDTO `json:"amounts"`
	Conventioned string     `json:"conventioned"`
}

type AllowanceDTO struct {
	Applicable     bool   `json:"applicable"`
	AllowanceHours string `json:"allowance_hours,omitempty"`
	WorkedHours    string `json:"worked_hours"`
	CoveredHours   string `json:"covered_hours,omitempty"`
	OverHours      string `json:"over_hours,omitempty"`
}

type WarningDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SummaryDTO is the monthly billing summary of one beneficiary.
type SummaryDTO struct {
	BeneficiaryID   string         `json:"beneficiary_id"`
	BeneficiaryName string         `json:"beneficiary_name"`
	Currency        string         `json:"currency"`
	Month           string         `json:"month"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Caregivers      []CaregiverDTO `json:"caregivers"`
	Totals          TotalsDTO      `json:"totals"`
	OpenIntervals   []EventDTO     `json:"open_intervals"`
	Allowance       AllowanceDTO   `json:"allowance"`
	Warnings        []WarningDTO   `json:"warnings"`
}

// BatchRequest asks for several beneficiary-months at once.
type BatchRequest struct {
	Month          string   `json:"month"`
	BeneficiaryIDs []string `json:"beneficiary_ids"` // empty = every beneficiary
	FallbackRate   *string  `json:"fallback_rate,omitempty"`
}

type BatchResultDTO struct {
	BeneficiaryID string      `json:"beneficiary_id"`
	Summary       *SummaryDTO `json:"summary,omitempty"`
	Error         string      `json:"error,omitempty"`
	Code          string      `json:"code,omitempty"`
}

// =============================================================================
// BENEFICIARY TYPES
// =============================================================================

// BeneficiaryCreatedDTO returns the new beneficiary together with its secret.
// The secret is never returned again except by rotation.
type BeneficiaryCreatedDTO struct {
	Beneficiary factory.BeneficiaryJSON `json:"beneficiary"`
	Secret      string                  `json:"secret"`
}

type SecretDTO struct {
	BeneficiaryID string `json:"beneficiary_id"`
	Secret        string `json:"secret"`
}

// RotateSecretRequest optionally carries the new secret; one is generated
// when empty.
type RotateSecretRequest struct {
	Secret string `json:"secret,omitempty"`
}

type HolidayDTO struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func toBucketsDTO(b billing.Buckets) BucketsDTO {
	return BucketsDTO{
		RegularMinutes:    billing.Minutes(b.Regular).StringFixed(2),
		Premium25Minutes:  billing.Minutes(b.Premium25).StringFixed(2),
		Premium100Minutes: billing.Minutes(b.Premium100).StringFixed(2),
		TotalMinutes:      billing.Minutes(b.Total()).StringFixed(2),
	}
}

func toAmountsDTO(a billing.Amounts) AmountsDTO {
	return AmountsDTO{
		Regular:    a.Regular.StringFixed(2),
		Premium25:  a.Premium25.StringFixed(2),
		Premium100: a.Premium100.StringFixed(2),
		Total:      a.Total.StringFixed(2),
	}
}

func toLocationDTO(g *attendance.GeoPoint) *LocationDTO {
	if g == nil {
		return nil
	}
	return &LocationDTO{Lat: g.Lat, Lon: g.Lon}
}

func toEventDTO(ev attendance.CheckEvent) EventDTO {
	return EventDTO{
		ID:               string(ev.ID),
		BeneficiaryID:    string(ev.BeneficiaryID),
		CaregiverName:    ev.CaregiverName,
		Action:           string(ev.Action),
		TapAt:            formatTime(ev.TapAt),
		AcceptedAt:       formatTime(ev.AcceptedAt),
		Method:           string(ev.Method),
		Location:         toLocationDTO(ev.Location),
		PhotoRef:         ev.PhotoRef,
		SecretValidated:  ev.Verification.SecretValidated,
		LocationRequired: ev.Verification.LocationRequired,
	}
}

func hoursString(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toSummaryDTO(s billing.MonthlySummary) SummaryDTO {
	report := s.Report.Rounded()
	lines := make(map[string][]IntervalDTO)
	for _, l := range report.Lines {
		lines[l.Interval.Caregiver] = append(lines[l.Interval.Caregiver], IntervalDTO{
			Start:     formatTime(l.Interval.Start),
			End:       formatTime(l.Interval.End),
			LocalDate: l.LocalDate.String(),
			Rate:      l.Rate.Billing.StringFixed(2),
			Fallback:  l.Rate.Fallback,
			Buckets:   toBucketsDTO(l.Buckets),
			Amounts:   toAmountsDTO(l.Amounts),
		})
	}

	dto := SummaryDTO{
		BeneficiaryID:   string(s.BeneficiaryID),
		BeneficiaryName: s.BeneficiaryName,
		Currency:        s.Currency,
		Month:           s.Month.String(),
		From:            formatTime(s.Window.From),
		To:              formatTime(s.Window.To),
		Caregivers:      make([]CaregiverDTO, 0, len(report.Caregivers)),
		Totals: TotalsDTO{
			Intervals:    report.Totals.Intervals,
			Buckets:      toBucketsDTO(report.Totals.Buckets),
			Amounts:      toAmountsDTO(report.Totals.Amounts),
			Conventioned: report.Totals.Conventioned.StringFixed(2),
		},
		OpenIntervals: make([]EventDTO, 0, len(s.OpenIntervals)),
		Allowance: AllowanceDTO{
			Applicable:  s.Allowance.Applicable,
			WorkedHours: hoursString(s.Allowance.WorkedHours),
		},
		Warnings: make([]WarningDTO, 0, len(s.Warnings)),
	}
	for _, cs := range report.Caregivers {
		dto.Caregivers = append(dto.Caregivers, CaregiverDTO{
			Caregiver:    cs.Caregiver,
			Intervals:    cs.Intervals,
			Buckets:      toBucketsDTO(cs.Buckets),
			Amounts:      toAmountsDTO(cs.Amounts),
			Conventioned: cs.Conventioned.StringFixed(2),
			Lines:        lines[cs.Caregiver],
		})
	}
	for _, a := range s.OpenIntervals {
		ev := toEventDTO(a.Event)
		ev.Status = string(a.Kind)
		dto.OpenIntervals = append(dto.OpenIntervals, ev)
	}
	if s.Allowance.Applicable {
		dto.Allowance.AllowanceHours = hoursString(s.Allowance.AllowanceHours)
		dto.Allowance.CoveredHours = hoursString(s.Allowance.CoveredHours)
		dto.Allowance.OverHours = hoursString(s.Allowance.OverHours)
	}
	for _, w := range s.Warnings {
		dto.Warnings = append(dto.Warnings, WarningDTO{Code: w.Code, Message: w.Message})
	}
	return dto
}

func toHolidayDTOs(hs []calendar.PublicHoliday) []HolidayDTO {
	dtos := make([]HolidayDTO, len(hs))
	for i, h := range hs {
		dtos[i] = HolidayDTO{Date: h.Date.String(), Name: h.Name}
	}
	return dtos
}
