/*
handlers_test.go - HTTP tests for the attendance API

Tests for:
- Tap flow over HTTP (challenge, check-in, check-out, summary, events)
- Error code and status mapping
- Onboarding (registration, rates, secret rotation)
- Holidays and batch billing
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/attendance/store"
	"github.com/warp/care-attendance/calendar"
	"github.com/warp/care-attendance/factory"
)

// Tuesday 10 June 2025, 11:00 in Paris.
var t0 = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	mem     *store.Memory
	clock   *attendance.ManualClock
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := attendance.NewManualClock(t0)
	h := NewHandler(Deps{
		Stores:       Stores{Directory: mem, Ledger: mem, Rates: mem, Registry: mem},
		Calendar:     calendar.New(),
		Clock:        clock,
		FallbackRate: decimal.NewFromInt(12),
	})
	return &testServer{mem: mem, clock: clock, handler: h, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// register creates a French beneficiary billed 15.00/h and returns its id and
// secret.
func (s *testServer) register(t *testing.T, code string) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/beneficiaries", factory.BeneficiaryJSON{
		Name: "Mme Martin", PublicCode: code, Country: "FR", Timezone: "Europe/Paris",
		Recipients: []string{"daughter@example.com"},
		Rates:      []factory.RateJSON{{EffectiveFrom: "2025-01-01", BillingRate: decimal.RequireFromString("15.00")}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[BeneficiaryCreatedDTO](t, rec)
	require.NotEmpty(t, created.Secret)
	return created.Beneficiary.ID, created.Secret
}

func (s *testServer) challenge(t *testing.T, code, secret, method string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/taps/challenge", ChallengeRequest{
		PublicCode: code, Secret: secret, Method: method,
		ClientTimestamp: s.clock.Now().Format(time.RFC3339),
	})
}

func (s *testServer) submit(t *testing.T, code, secret, token, action string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/events", SubmitEventRequest{
		PublicCode: code, Secret: secret, Token: token,
		TapTimestamp:  s.clock.Now().Format(time.RFC3339),
		Method:        "nfc",
		CaregiverName: "Alice",
		Action:        action,
	})
}

func (s *testServer) tap(t *testing.T, code, secret, action string) {
	t.Helper()
	rec := s.challenge(t, code, secret, "nfc")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decode[ChallengeDTO](t, rec).Token
	rec = s.submit(t, code, secret, token, action)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// TAP FLOW
// =============================================================================

func TestAPI_TapFlowAndSummary(t *testing.T) {
	// GIVEN: a registered beneficiary
	s := newTestServer(t)
	id, secret := s.register(t, "MARTIN-01")

	// WHEN: Alice checks in at 11:00 and out at 13:00 Paris time
	s.tap(t, "MARTIN-01", secret, "check_in")
	s.clock.Advance(2 * time.Hour)
	s.tap(t, "MARTIN-01", secret, "check-out")

	// THEN: the month bills 120 regular minutes at 15.00
	rec := s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/summary?month=2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[SummaryDTO](t, rec)
	assert.Equal(t, "2025-06", summary.Month)
	assert.Equal(t, "EUR", summary.Currency)
	require.Len(t, summary.Caregivers, 1)
	assert.Equal(t, "Alice", summary.Caregivers[0].Caregiver)
	assert.Equal(t, 1, summary.Totals.Intervals)
	assert.Equal(t, "120.00", summary.Totals.Buckets.RegularMinutes)
	assert.Equal(t, "0.00", summary.Totals.Buckets.Premium25Minutes)
	assert.Equal(t, "30.00", summary.Totals.Amounts.Total)
	assert.Empty(t, summary.Warnings)
	assert.Empty(t, summary.OpenIntervals)

	// AND: the event log shows both events as paired
	rec = s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/events?month=2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[EventListDTO](t, rec)
	require.Len(t, list.Events, 2)
	assert.Equal(t, "check_in", list.Events[0].Action)
	assert.Equal(t, "paired", list.Events[0].Status)
	assert.Equal(t, "paired", list.Events[1].Status)
	assert.True(t, list.Events[0].SecretValidated)
}

func TestAPI_OpenCheckInIsReportedNotBilled(t *testing.T) {
	s := newTestServer(t)
	id, secret := s.register(t, "MARTIN-01")
	s.tap(t, "MARTIN-01", secret, "check_in")

	rec := s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/summary?month=2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[SummaryDTO](t, rec)
	assert.Equal(t, "0.00", summary.Totals.Amounts.Total)
	require.Len(t, summary.OpenIntervals, 1)
	assert.Equal(t, "open", summary.OpenIntervals[0].Status)
	require.Len(t, summary.Warnings, 1)
	assert.Equal(t, "open_intervals", summary.Warnings[0].Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_TapErrorsCarryStableCodes(t *testing.T) {
	s := newTestServer(t)
	_, secret := s.register(t, "MARTIN-01")

	tests := []struct {
		name   string
		rec    func() *httptest.ResponseRecorder
		status int
		code   string
	}{
		{
			name:   "unknown code",
			rec:    func() *httptest.ResponseRecorder { return s.challenge(t, "NOPE", secret, "nfc") },
			status: http.StatusNotFound, code: attendance.CodeNotFound,
		},
		{
			name:   "wrong secret",
			rec:    func() *httptest.ResponseRecorder { return s.challenge(t, "MARTIN-01", "wrong", "nfc") },
			status: http.StatusForbidden, code: attendance.CodeForbidden,
		},
		{
			name:   "bad method",
			rec:    func() *httptest.ResponseRecorder { return s.challenge(t, "MARTIN-01", secret, "bluetooth") },
			status: http.StatusBadRequest, code: attendance.CodeValidation,
		},
		{
			name: "device clock too far ahead",
			rec: func() *httptest.ResponseRecorder {
				return s.do(t, http.MethodPost, "/api/taps/challenge", ChallengeRequest{
					PublicCode: "MARTIN-01", Secret: secret,
					ClientTimestamp: t0.Add(31 * time.Second).Format(time.RFC3339),
				})
			},
			status: http.StatusBadRequest, code: attendance.CodeInvalidTimestamp,
		},
		{
			name: "missing client timestamp",
			rec: func() *httptest.ResponseRecorder {
				return s.do(t, http.MethodPost, "/api/taps/challenge", ChallengeRequest{PublicCode: "MARTIN-01", Secret: secret})
			},
			status: http.StatusBadRequest, code: attendance.CodeValidation,
		},
		{
			name:   "malformed body",
			rec:    func() *httptest.ResponseRecorder { return s.do(t, http.MethodPost, "/api/events", "{not json") },
			status: http.StatusBadRequest, code: attendance.CodeValidation,
		},
		{
			name:   "unknown token",
			rec:    func() *httptest.ResponseRecorder { return s.submit(t, "MARTIN-01", secret, "deadbeef", "check_in") },
			status: http.StatusForbidden, code: attendance.CodeForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec()
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_ReplayAndLocationAreDistinguished(t *testing.T) {
	s := newTestServer(t)
	_, secret := s.register(t, "MARTIN-01")

	// QR scan without coordinates
	rec := s.challenge(t, "MARTIN-01", secret, "qr")
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[ChallengeDTO](t, rec).Token

	req := SubmitEventRequest{
		PublicCode: "MARTIN-01", Secret: secret, Token: token,
		TapTimestamp: t0.Format(time.RFC3339), Method: "qr",
		CaregiverName: "Alice", Action: "check_in",
	}
	rec = s.do(t, http.MethodPost, "/api/events", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, attendance.CodeMissingLocation, decode[ErrorResponse](t, rec).Code)

	// Same token with coordinates is still redeemable
	req.Location = &LocationDTO{Lat: 48.85, Lon: 2.35}
	rec = s.do(t, http.MethodPost, "/api/events", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[EventDTO](t, rec)
	assert.True(t, ev.LocationRequired)
	require.NotNil(t, ev.Location)

	// Replay
	rec = s.do(t, http.MethodPost, "/api/events", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, attendance.CodeAlreadyUsed, decode[ErrorResponse](t, rec).Code)

	// Stale tap on a fresh token
	rec = s.challenge(t, "MARTIN-01", secret, "qr")
	req.Token = decode[ChallengeDTO](t, rec).Token
	req.TapTimestamp = t0.Add(-16 * time.Minute).Format(time.RFC3339)
	rec = s.do(t, http.MethodPost, "/api/events", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, attendance.CodeExpired, decode[ErrorResponse](t, rec).Code)
}

func TestWriteDomainError_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{attendance.ErrNotFound, http.StatusNotFound, attendance.CodeNotFound},
		{attendance.ErrForbidden, http.StatusForbidden, attendance.CodeForbidden},
		{attendance.NewValidationError("x", "bad"), http.StatusBadRequest, attendance.CodeValidation},
		{attendance.Transient("op", errors.New("connection reset")), http.StatusServiceUnavailable, attendance.CodeTransient},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, attendance.CodeTransient},
		{errors.New("boom"), http.StatusInternalServerError, attendance.CodeInternal},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, tt.code, resp.Code)
	}

	rec := httptest.NewRecorder()
	writeDomainError(rec, attendance.Transient("op", errors.New("connection reset")))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeDomainError(rec, errors.New("pq: secret detail"))
	assert.Equal(t, "internal error", decode[ErrorResponse](t, rec).Error, "internal details are not leaked")
}

// =============================================================================
// ONBOARDING
// =============================================================================

func TestAPI_CreateBeneficiaryValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/beneficiaries", factory.BeneficiaryJSON{
		Name: "X", PublicCode: "X-1", Country: "ZZ", Timezone: "Europe/Paris",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, attendance.CodeValidation, resp.Code)
	assert.Equal(t, map[string]any{"field": "country"}, resp.Details)

	s.register(t, "DUP")
	rec = s.do(t, http.MethodPost, "/api/beneficiaries", factory.BeneficiaryJSON{
		Name: "Y", PublicCode: "DUP", Country: "FR", Timezone: "Europe/Paris",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "public code is unique")
}

func TestAPI_AddRate(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.register(t, "MARTIN-01")

	rec := s.do(t, http.MethodPost, "/api/beneficiaries/"+id+"/rates",
		`{"effective_from":"2025-06-01","billing_rate":"16.50","allowance_hours":40}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rates := decode[[]factory.RateJSON](t, rec)
	require.Len(t, rates, 2)
	assert.Equal(t, "2025-06-01", rates[1].EffectiveFrom)
	assert.Equal(t, "16.5", rates[1].BillingRate.String())

	rec = s.do(t, http.MethodPost, "/api/beneficiaries/"+id+"/rates", `{"effective_from":"2025-06-01","billing_rate":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/beneficiaries/nobody/rates", `{"effective_from":"2025-06-01","billing_rate":"10"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RotateSecretInvalidatesOldSecret(t *testing.T) {
	// GIVEN: a challenge issued under the current secret
	s := newTestServer(t)
	id, oldSecret := s.register(t, "MARTIN-01")
	rec := s.challenge(t, "MARTIN-01", oldSecret, "nfc")
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[ChallengeDTO](t, rec).Token

	// WHEN: the secret is rotated
	rec = s.do(t, http.MethodPost, "/api/beneficiaries/"+id+"/secret", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	newSecret := decode[SecretDTO](t, rec).Secret
	assert.NotEqual(t, oldSecret, newSecret)

	// THEN: the outstanding challenge cannot be redeemed with the old secret
	rec = s.submit(t, "MARTIN-01", oldSecret, token, "check_in")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// AND: the new secret works end to end
	s.tap(t, "MARTIN-01", newSecret, "check_in")

	rec = s.do(t, http.MethodPost, "/api/beneficiaries/"+id+"/secret", RotateSecretRequest{Secret: "chosen"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chosen", decode[SecretDTO](t, rec).Secret)

	rec = s.do(t, http.MethodPost, "/api/beneficiaries/nobody/secret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BILLING & CALENDAR
// =============================================================================

func TestAPI_SummaryErrors(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.register(t, "MARTIN-01")

	rec := s.do(t, http.MethodGet, "/api/beneficiaries/nobody/summary?month=2025-06", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/summary?month=June", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-06", decode[SummaryDTO](t, rec).Month, "defaults to the current month")
}

func TestAPI_DefaultMonthFollowsBeneficiaryTimezone(t *testing.T) {
	// GIVEN: 30 June 22:30 UTC, already 1 July 00:30 in Paris
	s := newTestServer(t)
	id, _ := s.register(t, "MARTIN-01")
	s.clock.Set(time.Date(2025, time.June, 30, 22, 30, 0, 0, time.UTC))

	// WHEN: asking for the summary and the events without a month
	summary := s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/summary", nil)
	events := s.do(t, http.MethodGet, "/api/beneficiaries/"+id+"/events", nil)

	// THEN: both use the beneficiary's local month
	require.Equal(t, http.StatusOK, summary.Code, summary.Body.String())
	assert.Equal(t, "2025-07", decode[SummaryDTO](t, summary).Month)
	require.Equal(t, http.StatusOK, events.Code, events.Body.String())
	assert.Equal(t, "2025-07", decode[EventListDTO](t, events).Month)

	// an unknown beneficiary without a month is still a 404
	rec := s.do(t, http.MethodGet, "/api/beneficiaries/nobody/summary", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_BatchReportsPerBeneficiaryErrors(t *testing.T) {
	s := newTestServer(t)
	id, secret := s.register(t, "MARTIN-01")
	s.tap(t, "MARTIN-01", secret, "check_in")
	s.clock.Advance(time.Hour)
	s.tap(t, "MARTIN-01", secret, "check_out")

	rec := s.do(t, http.MethodPost, "/api/billing/batch", BatchRequest{
		Month: "2025-06", BeneficiaryIDs: []string{id, "nobody"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decode[[]BatchResultDTO](t, rec)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Summary)
	assert.Equal(t, "15.00", results[0].Summary.Totals.Amounts.Total)
	assert.Nil(t, results[1].Summary)
	assert.Equal(t, attendance.CodeNotFound, results[1].Code)

	rec = s.do(t, http.MethodPost, "/api/billing/batch", BatchRequest{Month: "2025-06"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BatchResultDTO](t, rec), 1, "empty list means every beneficiary")

	rec = s.do(t, http.MethodPost, "/api/billing/batch", BatchRequest{Month: "2025-13"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListHolidays(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/holidays?country=fr&year=2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	holidays := decode[[]HolidayDTO](t, rec)
	assert.Contains(t, holidays, HolidayDTO{Date: "2025-07-14", Name: "Fête nationale"})
	assert.Contains(t, holidays, HolidayDTO{Date: "2025-04-21", Name: "Lundi de Pâques"})

	rec = s.do(t, http.MethodGet, "/api/holidays?country=ZZ&year=2025", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/holidays", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/holidays?country=FR&year=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Healthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
