/*
Package checkin verifies caregiver taps and records accepted check events.

PURPOSE:
  A caregiver taps the beneficiary's NFC tag (or scans its QR code). The
  device presents the tag's public code and secret and receives a
  single-use challenge. The caregiver then submits the check-in or
  check-out with that challenge. Each challenge produces at most one
  event, no matter how many times or how concurrently it is submitted.

FLOW:
  1. Authority.IssueChallenge: code + secret + device clock → token (10 min)
  2. Validator.SubmitEvent:    code + secret + token + tap → CheckEvent
  3. Notifier:                 family members are told who arrived/left

VALIDATION ORDER (SubmitEvent, first failure wins):
  required fields → beneficiary → secret → token state → tap freshness
  → token expiry → location policy → atomic consume + append

SEE ALSO:
  - attendance/errors.go: the errors returned here
  - attendance/store.go: EventLedger.ConsumeAndAppend
*/
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

// MaxClockSkew is how far the device clock may drift from the server clock
// when requesting a challenge.
const MaxClockSkew = 30 * time.Second

// tokenBytes gives 256 bits of entropy per challenge.
const tokenBytes = 32

// =============================================================================
// AUTHORITY
// =============================================================================

// Authority issues challenge tokens after a valid tap.
type Authority struct {
	Directory attendance.BeneficiaryDirectory
	Tokens    attendance.TokenStore
	Clock     attendance.Clock
	Logger    *slog.Logger

	// NewToken is replaceable in tests; it defaults to attendance.RandomToken.
	NewToken func() (string, error)
}

func NewAuthority(dir attendance.BeneficiaryDirectory, tokens attendance.TokenStore, clock attendance.Clock, log *slog.Logger) *Authority {
	if clock == nil {
		clock = attendance.SystemClock{}
	}
	return &Authority{Directory: dir, Tokens: tokens, Clock: clock, Logger: log}
}

type IssueRequest struct {
	Code            string
	Secret          string
	Method          attendance.Method
	ClientTimestamp time.Time
}

type IssueResult struct {
	Token       string
	ExpiresAt   time.Time
	Beneficiary attendance.Beneficiary
}

// IssueChallenge checks the tap credentials and the device clock, then
// persists a fresh token. Nothing is written when any check fails.
func (a *Authority) IssueChallenge(ctx context.Context, req IssueRequest) (result IssueResult, err error) {
	code := strings.TrimSpace(req.Code)
	log := logger.Service(ctx, a.Logger, "checkin", "IssueChallenge", "code", code, "method", req.Method)
	defer func() {
		if err != nil {
			log.WarnContext(ctx, "challenge refused", "error", err, "error_code", attendance.Code(err))
			return
		}
		log.InfoContext(ctx, "challenge issued",
			"beneficiary_id", result.Beneficiary.ID,
			"expires_at", result.ExpiresAt)
	}()

	if code == "" {
		return result, attendance.NewValidationError("code", "is required")
	}
	if req.ClientTimestamp.IsZero() {
		return result, attendance.NewValidationError("client_timestamp", "is required")
	}
	method := req.Method
	if method == "" {
		method = attendance.MethodNFC
	}
	if !method.Valid() {
		return result, attendance.NewValidationError("method", "must be nfc or qr, got %q", req.Method)
	}

	b, err := a.Directory.FindByPublicCode(ctx, code)
	if err != nil {
		return result, lookupError(err)
	}
	if !attendance.SecretsEqual(req.Secret, b.Secret) {
		return result, attendance.ErrForbidden
	}

	now := a.Clock.Now()
	if skew := req.ClientTimestamp.Sub(now); skew > MaxClockSkew || skew < -MaxClockSkew {
		return result, attendance.ErrInvalidTimestamp
	}

	token, err := a.newToken()
	if err != nil {
		return result, err
	}
	challenge := attendance.ChallengeToken{
		Token:         token,
		BeneficiaryID: b.ID,
		Method:        method,
		IssuedAt:      now,
		ExpiresAt:     now.Add(attendance.ChallengeTTL),
	}
	if err := a.Tokens.SaveChallenge(ctx, challenge); err != nil {
		return result, attendance.Transient("save challenge", err)
	}

	return IssueResult{Token: token, ExpiresAt: challenge.ExpiresAt, Beneficiary: b}, nil
}

func (a *Authority) newToken() (string, error) {
	if a.NewToken != nil {
		return a.NewToken()
	}
	return attendance.RandomToken(tokenBytes)
}

// lookupError keeps ErrNotFound as is and marks anything else transient.
func lookupError(err error) error {
	if errors.Is(err, attendance.ErrNotFound) {
		return attendance.ErrNotFound
	}
	return attendance.Transient("find beneficiary", err)
}
