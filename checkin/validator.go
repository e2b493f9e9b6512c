package checkin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/logger"
)

// MaxTapAge is the oldest tap a submission may carry. A tap exactly
// MaxTapAge old is still accepted.
const MaxTapAge = 15 * time.Minute

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator turns a submission carrying a challenge token into an accepted
// CheckEvent.
type Validator struct {
	Directory attendance.BeneficiaryDirectory
	Ledger    attendance.EventLedger
	Notifier  attendance.Notifier // optional
	Clock     attendance.Clock
	Logger    *slog.Logger
}

func NewValidator(dir attendance.BeneficiaryDirectory, ledger attendance.EventLedger, notifier attendance.Notifier, clock attendance.Clock, log *slog.Logger) *Validator {
	if clock == nil {
		clock = attendance.SystemClock{}
	}
	return &Validator{Directory: dir, Ledger: ledger, Notifier: notifier, Clock: clock, Logger: log}
}

type SubmitRequest struct {
	Code          string
	Secret        string
	Token         string
	TapAt         time.Time
	Method        attendance.Method
	CaregiverName string
	Action        attendance.Action
	Location      *attendance.GeoPoint
	PhotoRef      string
}

// validate checks presence and shape of every field. It runs before any
// store lookup.
func (r SubmitRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Code) == "":
		return attendance.NewValidationError("code", "is required")
	case r.Secret == "":
		return attendance.NewValidationError("secret", "is required")
	case strings.TrimSpace(r.Token) == "":
		return attendance.NewValidationError("token", "is required")
	case r.TapAt.IsZero():
		return attendance.NewValidationError("tap_at", "is required")
	case strings.TrimSpace(r.CaregiverName) == "":
		return attendance.NewValidationError("caregiver_name", "is required")
	case !r.Action.Valid():
		return attendance.NewValidationError("action", "must be check_in or check_out, got %q", r.Action)
	case !r.Method.Valid():
		return attendance.NewValidationError("method", "must be nfc or qr, got %q", r.Method)
	case r.Location != nil && !r.Location.Valid():
		return attendance.NewValidationError("location", "coordinates out of range")
	}
	return nil
}

// SubmitEvent runs the checks in a fixed order and, if all pass, consumes the
// token and appends the event as one atomic step. Of several concurrent
// submissions with the same token exactly one succeeds; the others get
// ErrAlreadyUsed.
func (v *Validator) SubmitEvent(ctx context.Context, req SubmitRequest) (ev attendance.CheckEvent, err error) {
	code := strings.TrimSpace(req.Code)
	log := logger.Service(ctx, v.Logger, "checkin", "SubmitEvent",
		"code", code, "action", req.Action, "method", req.Method)
	defer func() {
		if err != nil {
			log.WarnContext(ctx, "event rejected", "error", err, "error_code", attendance.Code(err))
			return
		}
		log.InfoContext(ctx, "event accepted",
			"event_id", ev.ID,
			"beneficiary_id", ev.BeneficiaryID,
			"caregiver", ev.CaregiverName)
	}()

	if err := req.validate(); err != nil {
		return ev, err
	}

	// (1) beneficiary
	b, err := v.Directory.FindByPublicCode(ctx, code)
	if err != nil {
		return ev, lookupError(err)
	}

	// (2) secret
	if !attendance.SecretsEqual(req.Secret, b.Secret) {
		return ev, attendance.ErrForbidden
	}

	// (3) token state
	token := strings.TrimSpace(req.Token)
	challenge, err := v.Ledger.GetChallenge(ctx, token)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		return ev, attendance.ErrForbidden
	case err != nil:
		return ev, attendance.Transient("get challenge", err)
	case challenge.BeneficiaryID != b.ID:
		return ev, attendance.ErrForbidden
	case challenge.Consumed:
		return ev, attendance.ErrAlreadyUsed
	case challenge.Method != req.Method:
		return ev, attendance.NewValidationError("method", "challenge was issued for %s, got %s", challenge.Method, req.Method)
	}
	method := challenge.Method

	// (4) tap freshness
	now := v.Clock.Now()
	age := now.Sub(req.TapAt)
	if age < 0 {
		return ev, attendance.ErrInvalidTimestamp
	}
	if age > MaxTapAge {
		return ev, attendance.ErrExpired
	}
	if challenge.Expired(now) {
		return ev, attendance.ErrExpired
	}

	// (5) location policy
	if method.RequiresLocation() && req.Location == nil {
		return ev, attendance.ErrMissingLocation
	}

	ev = attendance.CheckEvent{
		BeneficiaryID: b.ID,
		CaregiverName: strings.TrimSpace(req.CaregiverName),
		Action:        req.Action,
		TapAt:         req.TapAt,
		AcceptedAt:    now,
		Method:        method,
		Location:      req.Location,
		PhotoRef:      strings.TrimSpace(req.PhotoRef),
		Verification: attendance.Verification{
			SecretValidated:  true,
			LocationPresent:  req.Location != nil,
			LocationRequired: method.RequiresLocation(),
			PhotoPresent:     strings.TrimSpace(req.PhotoRef) != "",
		},
	}

	id, err := v.Ledger.ConsumeAndAppend(ctx, token, ev)
	switch {
	case errors.Is(err, attendance.ErrAlreadyUsed):
		return attendance.CheckEvent{}, attendance.ErrAlreadyUsed
	case errors.Is(err, attendance.ErrNotFound):
		// purged between the lookup and the consume
		return attendance.CheckEvent{}, attendance.ErrExpired
	case err != nil:
		return attendance.CheckEvent{}, attendance.Transient("consume and append", err)
	}
	ev.ID = id

	v.notify(ctx, log, b, ev)
	return ev, nil
}

// notify never fails the submission: the event is already committed.
func (v *Validator) notify(ctx context.Context, log *slog.Logger, b attendance.Beneficiary, ev attendance.CheckEvent) {
	if v.Notifier == nil {
		return
	}
	n := attendance.Notification{
		EventID:         ev.ID,
		BeneficiaryID:   b.ID,
		BeneficiaryName: b.Name,
		CaregiverName:   ev.CaregiverName,
		Action:          ev.Action,
		At:              ev.AcceptedAt,
		Recipients:      append([]string(nil), b.Recipients...),
	}
	if err := v.Notifier.Notify(ctx, n); err != nil {
		log.ErrorContext(ctx, "notification failed", "event_id", ev.ID, "error", err)
	}
}
