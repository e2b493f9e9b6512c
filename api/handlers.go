/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes tap verification, billing and onboarding via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the checkin,
  billing and factory packages.

ENDPOINTS:
  Taps:
    POST   /api/taps/challenge                  Issue a single-use challenge
    POST   /api/events                          Submit a check-in/check-out

  Beneficiaries:
    POST   /api/beneficiaries                   Register from JSON
    POST   /api/beneficiaries/{id}/rates        Add a rate history entry
    POST   /api/beneficiaries/{id}/secret       Rotate the tag secret
    GET    /api/beneficiaries/{id}/summary      Monthly billing (?month=YYYY-MM)
    GET    /api/beneficiaries/{id}/events       Raw events of a month (?month=)

  Billing:
    POST   /api/billing/batch                   Summaries for many beneficiaries

  Calendar:
    GET    /api/holidays                        ?country=FR&year=2025

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Authority / Validator: the two tap steps
  - Billing: monthly summaries
  - Registry + Factory: onboarding writes

ERROR HANDLING:
  Errors are returned as JSON {"error", "code"} with the status derived from
  attendance.Code:
  - 400: validation, invalid_timestamp, expired, already_used, missing_location
  - 403: forbidden (wrong secret, unknown or foreign token)
  - 404: not_found (unknown public code or beneficiary)
  - 503: transient store failure, safe to retry
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/billing"
	"github.com/warp/care-attendance/calendar"
	"github.com/warp/care-attendance/checkin"
	"github.com/warp/care-attendance/factory"
	"github.com/warp/care-attendance/logger"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// DefaultBatchParallelism bounds concurrent summaries in a batch.
const DefaultBatchParallelism = 4

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Stores groups the ports the handlers need. A single store usually fills
// every field; the challenge ledger may live elsewhere (Redis).
type Stores struct {
	Directory attendance.BeneficiaryDirectory
	Ledger    attendance.EventLedger
	Rates     attendance.RateHistoryStore
	Registry  attendance.Registry
}

// Deps are the handler's collaborators.
type Deps struct {
	Stores
	Calendar     calendar.HolidayCalendar
	Notifier     attendance.Notifier
	Clock        attendance.Clock
	FallbackRate decimal.Decimal
	Logger       *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Authority *checkin.Authority
	Validator *checkin.Validator
	Billing   *billing.Service
	Factory   *factory.BeneficiaryFactory
	Stores    Stores
	Calendar  calendar.HolidayCalendar
	Clock     attendance.Clock
	Logger    *slog.Logger

	BatchParallelism int
}

// NewHandler wires the checkin and billing services over the given stores.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = attendance.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.Default()
	}
	if d.Calendar == nil {
		d.Calendar = calendar.New()
	}
	f := factory.NewBeneficiaryFactory()
	f.Now = d.Clock.Now
	if reg, ok := d.Calendar.(*calendar.Registry); ok {
		f.Calendar = reg
	}
	return &Handler{
		Authority:        checkin.NewAuthority(d.Directory, d.Ledger, d.Clock, d.Logger),
		Validator:        checkin.NewValidator(d.Directory, d.Ledger, d.Notifier, d.Clock, d.Logger),
		Billing:          billing.NewService(d.Directory, d.Ledger, d.Rates, d.Calendar, d.FallbackRate, d.Logger),
		Factory:          f,
		Stores:           d.Stores,
		Calendar:         d.Calendar,
		Clock:            d.Clock,
		Logger:           d.Logger,
		BatchParallelism: DefaultBatchParallelism,
	}
}

// =============================================================================
// TAP HANDLERS
// =============================================================================

// IssueChallenge handles the first tap step.
// POST /api/taps/challenge
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	clientTS, err := parseTimestamp("client_timestamp", req.ClientTimestamp)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.Authority.IssueChallenge(r.Context(), checkin.IssueRequest{
		Code:            req.PublicCode,
		Secret:          req.Secret,
		Method:          attendance.Method(strings.ToLower(strings.TrimSpace(req.Method))),
		ClientTimestamp: clientTS,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ChallengeDTO{
		Token:           res.Token,
		ExpiresAt:       formatTime(res.ExpiresAt),
		BeneficiaryName: res.Beneficiary.Name,
	})
}

// SubmitEvent handles the second tap step.
// POST /api/events
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tapAt, err := parseTimestamp("tap_timestamp", req.TapTimestamp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	action, ok := attendance.ParseAction(req.Action)
	if !ok {
		action = attendance.Action(req.Action)
	}
	var loc *attendance.GeoPoint
	if req.Location != nil {
		loc = &attendance.GeoPoint{Lat: req.Location.Lat, Lon: req.Location.Lon}
	}

	ev, err := h.Validator.SubmitEvent(r.Context(), checkin.SubmitRequest{
		Code:          req.PublicCode,
		Secret:        req.Secret,
		Token:         req.Token,
		TapAt:         tapAt,
		Method:        attendance.Method(strings.ToLower(strings.TrimSpace(req.Method))),
		CaregiverName: req.CaregiverName,
		Action:        action,
		Location:      loc,
		PhotoRef:      req.PhotoRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GetSummary returns the monthly billing summary.
// GET /api/beneficiaries/{id}/summary?month=YYYY-MM
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := attendance.BeneficiaryID(chi.URLParam(r, "id"))
	month, ok, err := monthQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		b, err := h.Stores.Directory.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, attendance.Transient("get beneficiary", err))
			return
		}
		month = h.currentMonth(b)
	}

	summary, err := h.Billing.ComputeMonthlySummary(r.Context(), id, month)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// ListEvents returns every accepted event of the month with its pairing
// status.
// GET /api/beneficiaries/{id}/events?month=YYYY-MM
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := attendance.BeneficiaryID(chi.URLParam(r, "id"))
	month, ok, err := monthQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	b, err := h.Stores.Directory.Get(ctx, id)
	if err != nil {
		writeDomainError(w, attendance.Transient("get beneficiary", err))
		return
	}
	loc := billingLocation(b)
	if !ok {
		month = h.currentMonth(b)
	}
	events, err := h.Stores.Ledger.ListEvents(ctx, id, month.Window(loc))
	if err != nil {
		writeDomainError(w, attendance.Transient("list events", err))
		return
	}

	status := make(map[attendance.EventID]string, len(events))
	rec := billing.Reconstruct(events)
	for _, iv := range rec.Intervals {
		status[iv.CheckIn] = "paired"
		status[iv.CheckOut] = "paired"
	}
	for _, a := range rec.Anomalies {
		status[a.Event.ID] = string(a.Kind)
	}

	dto := EventListDTO{BeneficiaryID: string(id), Month: month.String(), Events: make([]EventDTO, len(events))}
	for i, ev := range events {
		dto.Events[i] = toEventDTO(ev)
		dto.Events[i].Status = status[ev.ID]
	}
	writeJSON(w, http.StatusOK, dto)
}

// ComputeBatch returns summaries for several beneficiaries of one month.
// POST /api/billing/batch
func (h *Handler) ComputeBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	month, err := attendance.ParseMonth(strings.TrimSpace(req.Month))
	if err != nil {
		writeDomainError(w, attendance.NewValidationError("month", "want YYYY-MM, got %q", req.Month))
		return
	}
	var fallback *decimal.Decimal
	if req.FallbackRate != nil {
		d, err := decimal.NewFromString(*req.FallbackRate)
		if err != nil || d.IsNegative() {
			writeDomainError(w, attendance.NewValidationError("fallback_rate", "must be a non-negative decimal"))
			return
		}
		fallback = &d
	}

	ids := req.BeneficiaryIDs
	if len(ids) == 0 {
		all, err := h.Stores.Registry.ListBeneficiaries(ctx)
		if err != nil {
			writeDomainError(w, attendance.Transient("list beneficiaries", err))
			return
		}
		for _, b := range all {
			ids = append(ids, string(b.ID))
		}
	}

	reqs := make([]billing.SummaryRequest, len(ids))
	for i, id := range ids {
		reqs[i] = billing.SummaryRequest{BeneficiaryID: attendance.BeneficiaryID(id), Month: month, FallbackRate: fallback}
	}

	results := h.Billing.ComputeBatch(ctx, reqs, h.BatchParallelism)
	dtos := make([]BatchResultDTO, len(results))
	for i, res := range results {
		dtos[i] = BatchResultDTO{BeneficiaryID: string(res.Request.BeneficiaryID)}
		if res.Err != nil {
			dtos[i].Error = res.Err.Error()
			dtos[i].Code = attendance.Code(res.Err)
			continue
		}
		summary := toSummaryDTO(res.Summary)
		dtos[i].Summary = &summary
	}
	writeJSON(w, http.StatusOK, dtos)
}

// monthQuery reads ?month=. ok is false when the parameter is absent.
func monthQuery(r *http.Request) (m attendance.Month, ok bool, err error) {
	raw := strings.TrimSpace(r.URL.Query().Get("month"))
	if raw == "" {
		return attendance.Month{}, false, nil
	}
	m, err = attendance.ParseMonth(raw)
	if err != nil {
		return attendance.Month{}, false, attendance.NewValidationError("month", "want YYYY-MM, got %q", raw)
	}
	return m, true, nil
}

// currentMonth is the month the beneficiary's wall clock shows now.
func (h *Handler) currentMonth(b attendance.Beneficiary) attendance.Month {
	return attendance.MonthOf(attendance.DateOf(h.Clock.Now(), billingLocation(b)))
}

// billingLocation falls back to UTC like the billing pipeline does.
func billingLocation(b attendance.Beneficiary) *time.Location {
	loc, err := b.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// =============================================================================
// BENEFICIARY HANDLERS
// =============================================================================

// CreateBeneficiary registers a beneficiary and its initial rates.
// POST /api/beneficiaries
func (h *Handler) CreateBeneficiary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	b, rates, err := h.Factory.ParseBeneficiary(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Stores.Registry.RegisterBeneficiary(ctx, b, rates); err != nil {
		writeDomainError(w, attendance.Transient("register beneficiary", err))
		return
	}

	logger.WithContext(ctx, h.Logger).InfoContext(ctx, "beneficiary registered",
		"beneficiary_id", b.ID, "country", b.Country, "rates", len(rates))
	writeJSON(w, http.StatusCreated, BeneficiaryCreatedDTO{
		Beneficiary: h.Factory.ToJSON(b, rates),
		Secret:      b.Secret,
	})
}

// AddRate appends one rate history entry.
// POST /api/beneficiaries/{id}/rates
func (h *Handler) AddRate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := attendance.BeneficiaryID(chi.URLParam(r, "id"))
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	e, err := factory.ParseRateJSON(id, body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Stores.Registry.AddRateEntry(ctx, e); err != nil {
		writeDomainError(w, attendance.Transient("add rate", err))
		return
	}

	rates, err := h.Stores.Rates.ListRateHistory(ctx, id)
	if err != nil {
		writeDomainError(w, attendance.Transient("list rate history", err))
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.ToJSON(attendance.Beneficiary{ID: id}, rates).Rates)
}

// RotateSecret replaces the tag secret. Outstanding challenges stop working
// because later submissions no longer present the active secret.
// POST /api/beneficiaries/{id}/secret
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := attendance.BeneficiaryID(chi.URLParam(r, "id"))

	var req RotateSecretRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = factory.GenerateSecret(); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	if err := h.Stores.Registry.RotateSecret(ctx, id, secret); err != nil {
		writeDomainError(w, attendance.Transient("rotate secret", err))
		return
	}
	logger.WithContext(ctx, h.Logger).InfoContext(ctx, "secret rotated", "beneficiary_id", id)
	writeJSON(w, http.StatusOK, SecretDTO{BeneficiaryID: string(id), Secret: secret})
}

// =============================================================================
// HOLIDAY ENDPOINTS
// =============================================================================

// ListHolidays returns the public holidays of a country for a year.
// GET /api/holidays?country=FR&year=2025
func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("country")))
	if country == "" {
		writeDomainError(w, attendance.NewValidationError("country", "is required"))
		return
	}
	year := h.Clock.Now().Year()
	if raw := r.URL.Query().Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1900 || y > 9999 {
			writeDomainError(w, attendance.NewValidationError("year", "invalid year %q", raw))
			return
		}
		year = y
	}
	if reg, ok := h.Calendar.(*calendar.Registry); ok && !reg.Supports(country) {
		writeDomainError(w, attendance.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toHolidayDTOs(h.Calendar.Holidays(country, year)))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeDomainError maps the attendance error taxonomy to HTTP.
func writeDomainError(w http.ResponseWriter, err error) {
	code := attendance.Code(err)
	status := statusFor(code)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	resp := ErrorResponse{Error: message, Code: code}
	var verr *attendance.ValidationError
	if errors.As(err, &verr) {
		resp.Details = map[string]string{"field": verr.Field}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func statusFor(code string) int {
	switch code {
	case attendance.CodeNotFound:
		return http.StatusNotFound
	case attendance.CodeForbidden:
		return http.StatusForbidden
	case attendance.CodeValidation, attendance.CodeInvalidTimestamp, attendance.CodeExpired,
		attendance.CodeAlreadyUsed, attendance.CodeMissingLocation:
		return http.StatusBadRequest
	case attendance.CodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", attendance.CodeValidation)
		return nil, false
	}
	return body, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", attendance.CodeValidation)
		return false
	}
	return true
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
func parseTimestamp(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, attendance.NewValidationError(field, "is required")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, attendance.NewValidationError(field, "want RFC 3339, got %q", raw)
	}
	return t, nil
}
