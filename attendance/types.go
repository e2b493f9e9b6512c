/*
Package attendance provides the core types of the caregiver attendance engine.

PURPOSE:
  Families record when a caregiver arrives at and leaves a dependent person's
  home by tapping an NFC tag or scanning a QR code. This package holds the
  vocabulary shared by the verification side (checkin) and the billing side
  (billing): beneficiaries, challenge tokens, check events, rate history and
  the storage ports those components depend on.

KEY CONCEPTS IN THIS FILE (types.go):
  - Beneficiary: the person receiving care, owner of the tap secret
  - ChallengeToken: single-use credential proving a tap happened recently
  - CheckEvent: an accepted check-in or check-out, immutable once written
  - RateHistoryEntry: a billing rate effective from a calendar date
  - WorkInterval: a check-in paired with its check-out (derived, never stored)

DESIGN PRINCIPLES:
  1. Immutability: CheckEvents are appended, never updated or deleted
  2. Precision: rates and amounts use decimal.Decimal, rounded only for display
  3. Local time: every calendar decision uses the beneficiary's timezone

SEE ALSO:
  - time.go: Date, Month and Window (beneficiary-local calendar helpers)
  - errors.go: error taxonomy shared by every component
  - store.go: ports implemented by attendance/store, store/sqlite, store/postgres, store/redis
*/
package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BeneficiaryID string
type EventID string

// =============================================================================
// BENEFICIARY
// =============================================================================

// Beneficiary is the dependent person whose home the caregivers visit.
// Exactly one Secret is active at a time; rotating it implicitly invalidates
// every outstanding challenge because later submissions no longer match.
type Beneficiary struct {
	ID         BeneficiaryID
	Name       string
	PublicCode string // printed in the QR code / written to the NFC tag
	Secret     string
	Country    string // ISO 3166-1 alpha-2, drives the holiday calendar
	Timezone   string // IANA name, e.g. "Europe/Paris"
	Currency   string // ISO 4217
	Recipients []string
	CreatedAt  time.Time
}

// Location resolves the beneficiary's billing timezone.
func (b Beneficiary) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("beneficiary %s: %w", b.ID, err)
	}
	return loc, nil
}

// =============================================================================
// CHALLENGE TOKEN
// =============================================================================

// ChallengeTTL is how long an issued challenge stays redeemable.
const ChallengeTTL = 10 * time.Minute

// ChallengeToken is issued after a valid tap and redeemed by exactly one
// check event. Consumption is permanent.
type ChallengeToken struct {
	Token         string
	BeneficiaryID BeneficiaryID
	Method        Method
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Consumed      bool
}

// Expired reports whether the token can no longer be redeemed at now.
func (c ChallengeToken) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// =============================================================================
// CHECK EVENT
// =============================================================================

type Action string

const (
	ActionCheckIn  Action = "check_in"
	ActionCheckOut Action = "check_out"
)

func (a Action) Valid() bool { return a == ActionCheckIn || a == ActionCheckOut }

// ParseAction accepts the canonical names plus the hyphenated forms some
// clients send.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "check_in", "check-in", "checkin", "in":
		return ActionCheckIn, true
	case "check_out", "check-out", "checkout", "out":
		return ActionCheckOut, true
	}
	return "", false
}

type Method string

const (
	MethodNFC Method = "nfc"
	MethodQR  Method = "qr"
)

func (m Method) Valid() bool { return m == MethodNFC || m == MethodQR }

// RequiresLocation is true for QR scans: a QR code can be photographed and
// replayed from anywhere, an NFC tap cannot.
func (m Method) RequiresLocation() bool { return m == MethodQR }

// GeoPoint is a WGS84 coordinate reported by the caregiver's device.
type GeoPoint struct {
	Lat float64
	Lon float64
}

func (g GeoPoint) Valid() bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}

// Verification records which checks an accepted event went through.
type Verification struct {
	SecretValidated  bool
	LocationPresent  bool
	LocationRequired bool
	PhotoPresent     bool
}

// CheckEvent is an accepted check-in or check-out.
type CheckEvent struct {
	ID            EventID
	BeneficiaryID BeneficiaryID
	CaregiverName string
	Action        Action
	TapAt         time.Time // client-reported
	AcceptedAt    time.Time // server clock at acceptance
	Method        Method
	Location      *GeoPoint
	PhotoRef      string
	Verification  Verification
}

// =============================================================================
// RATE HISTORY
// =============================================================================

// RateHistoryEntry is an hourly rate effective from EffectiveFrom (inclusive).
type RateHistoryEntry struct {
	BeneficiaryID    BeneficiaryID
	BillingRate      decimal.Decimal
	ConventionedRate *decimal.Decimal // nil = same as BillingRate
	AllowanceHours   *decimal.Decimal // monthly hours covered by a third-party allowance
	EffectiveFrom    Date
}

// Conventioned returns the conventioned rate, defaulting to the billing rate.
func (e RateHistoryEntry) Conventioned() decimal.Decimal {
	if e.ConventionedRate != nil {
		return *e.ConventionedRate
	}
	return e.BillingRate
}

// =============================================================================
// WORK INTERVAL
// =============================================================================

// WorkInterval is one check-in immediately followed by a check-out of the
// same caregiver. It only exists as a computation artifact.
type WorkInterval struct {
	Caregiver string
	Start     time.Time
	End       time.Time
	CheckIn   EventID
	CheckOut  EventID
}

func (w WorkInterval) Duration() time.Duration {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start)
}

// =============================================================================
// NOTIFICATION
// =============================================================================

// Notification is handed to a Notifier after an event has been accepted.
type Notification struct {
	EventID         EventID
	BeneficiaryID   BeneficiaryID
	BeneficiaryName string
	CaregiverName   string
	Action          Action
	At              time.Time
	Recipients      []string
}
