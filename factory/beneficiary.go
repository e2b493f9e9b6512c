/*
Package factory converts JSON beneficiary definitions into attendance types.

PURPOSE:
  Families and care coordinators register a beneficiary once (name, tag
  code, secret, country, timezone) together with the rates agreed with the
  caregivers. The factory validates the JSON and builds the Go structs the
  stores persist, so the HTTP layer never constructs domain values itself.

JSON SCHEMA:
  {
    "id": "b-martin",                      // optional, generated when empty
    "name": "Mme Martin",
    "public_code": "MARTIN-01",
    "secret": "0b8f…",                     // optional, generated when empty
    "country": "FR",
    "timezone": "Europe/Paris",
    "currency": "EUR",                     // optional, EUR by default
    "recipients": ["daughter@example.com"],
    "rates": [
      {
        "effective_from": "2025-01-01",
        "billing_rate": "15.00",
        "conventioned_rate": "13.50",      // optional
        "allowance_hours": "40"            // optional, monthly
      }
    ]
  }

  Amounts are JSON strings or numbers; both are parsed as exact decimals.

USAGE:
  f := factory.NewBeneficiaryFactory()
  b, rates, err := f.ParseBeneficiary(body)

SEE ALSO:
  - attendance/types.go: Beneficiary and RateHistoryEntry
  - api/handlers.go: POST /api/beneficiaries and /rates
*/
package factory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/calendar"
)

// DefaultCurrency is used when a definition names none.
const DefaultCurrency = "EUR"

// SecretBytes is the entropy of generated tag secrets.
const SecretBytes = 16

var (
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// BeneficiaryJSON is the JSON representation of a beneficiary.
type BeneficiaryJSON struct {
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name"`
	PublicCode string     `json:"public_code"`
	Secret     string     `json:"secret,omitempty"`
	Country    string     `json:"country"`
	Timezone   string     `json:"timezone"`
	Currency   string     `json:"currency,omitempty"`
	Recipients []string   `json:"recipients,omitempty"`
	Rates      []RateJSON `json:"rates,omitempty"`
}

// RateJSON is one rate history entry.
type RateJSON struct {
	EffectiveFrom    string           `json:"effective_from"`
	BillingRate      decimal.Decimal  `json:"billing_rate"`
	ConventionedRate *decimal.Decimal `json:"conventioned_rate,omitempty"`
	AllowanceHours   *decimal.Decimal `json:"allowance_hours,omitempty"`
}

// =============================================================================
// BENEFICIARY FACTORY
// =============================================================================

// BeneficiaryFactory converts JSON definitions to attendance types.
type BeneficiaryFactory struct {
	// Calendar, when set, restricts countries to those it knows holidays for.
	Calendar *calendar.Registry
	Now      func() time.Time
}

func NewBeneficiaryFactory() *BeneficiaryFactory {
	return &BeneficiaryFactory{Now: time.Now}
}

// ParseBeneficiary parses a JSON document into a beneficiary and its rates.
func (f *BeneficiaryFactory) ParseBeneficiary(data []byte) (attendance.Beneficiary, []attendance.RateHistoryEntry, error) {
	var bj BeneficiaryJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("body", "invalid beneficiary JSON: %v", err)
	}
	return f.FromJSON(bj)
}

// FromJSON validates bj and fills defaults.
func (f *BeneficiaryFactory) FromJSON(bj BeneficiaryJSON) (attendance.Beneficiary, []attendance.RateHistoryEntry, error) {
	b := attendance.Beneficiary{
		ID:         attendance.BeneficiaryID(strings.TrimSpace(bj.ID)),
		Name:       strings.TrimSpace(bj.Name),
		PublicCode: strings.TrimSpace(bj.PublicCode),
		Secret:     bj.Secret,
		Country:    strings.ToUpper(strings.TrimSpace(bj.Country)),
		Timezone:   strings.TrimSpace(bj.Timezone),
		Currency:   strings.ToUpper(strings.TrimSpace(bj.Currency)),
		CreatedAt:  f.now().UTC(),
	}

	if b.Name == "" {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("name", "is required")
	}
	if b.PublicCode == "" {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("public_code", "is required")
	}
	if !countryPattern.MatchString(b.Country) {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("country", "must be an ISO 3166 alpha-2 code, got %q", bj.Country)
	}
	if f.Calendar != nil && !f.Calendar.Supports(b.Country) {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("country", "no holiday calendar for %s", b.Country)
	}
	if b.Timezone == "" {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("timezone", "is required")
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("timezone", "unknown IANA zone %q", b.Timezone)
	}
	if b.Currency == "" {
		b.Currency = DefaultCurrency
	}
	if !currencyPattern.MatchString(b.Currency) {
		return attendance.Beneficiary{}, nil, attendance.NewValidationError("currency", "must be an ISO 4217 code, got %q", bj.Currency)
	}
	for _, r := range bj.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			b.Recipients = append(b.Recipients, r)
		}
	}

	if b.ID == "" {
		b.ID = attendance.BeneficiaryID(uuid.NewString())
	}
	if b.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return attendance.Beneficiary{}, nil, err
		}
		b.Secret = secret
	}

	rates := make([]attendance.RateHistoryEntry, 0, len(bj.Rates))
	seen := make(map[attendance.Date]bool)
	for i, rj := range bj.Rates {
		e, err := ParseRate(b.ID, rj)
		if err != nil {
			return attendance.Beneficiary{}, nil, prefixField(err, fmt.Sprintf("rates[%d].", i))
		}
		if seen[e.EffectiveFrom] {
			return attendance.Beneficiary{}, nil, attendance.NewValidationError(
				fmt.Sprintf("rates[%d].effective_from", i), "duplicate date %s", e.EffectiveFrom)
		}
		seen[e.EffectiveFrom] = true
		rates = append(rates, e)
	}
	return b, rates, nil
}

// ToJSON converts a beneficiary back to its JSON form. The secret is left
// out; it is only returned once, at creation or rotation.
func (f *BeneficiaryFactory) ToJSON(b attendance.Beneficiary, rates []attendance.RateHistoryEntry) BeneficiaryJSON {
	bj := BeneficiaryJSON{
		ID:         string(b.ID),
		Name:       b.Name,
		PublicCode: b.PublicCode,
		Country:    b.Country,
		Timezone:   b.Timezone,
		Currency:   b.Currency,
		Recipients: b.Recipients,
	}
	for _, e := range rates {
		bj.Rates = append(bj.Rates, RateJSON{
			EffectiveFrom:    e.EffectiveFrom.String(),
			BillingRate:      e.BillingRate,
			ConventionedRate: e.ConventionedRate,
			AllowanceHours:   e.AllowanceHours,
		})
	}
	return bj
}

func (f *BeneficiaryFactory) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseRate validates one rate entry for beneficiary id.
func ParseRate(id attendance.BeneficiaryID, rj RateJSON) (attendance.RateHistoryEntry, error) {
	date, err := attendance.ParseDate(strings.TrimSpace(rj.EffectiveFrom))
	if err != nil {
		return attendance.RateHistoryEntry{}, attendance.NewValidationError("effective_from", "want YYYY-MM-DD, got %q", rj.EffectiveFrom)
	}
	if !rj.BillingRate.IsPositive() {
		return attendance.RateHistoryEntry{}, attendance.NewValidationError("billing_rate", "must be positive")
	}
	if rj.ConventionedRate != nil && rj.ConventionedRate.IsNegative() {
		return attendance.RateHistoryEntry{}, attendance.NewValidationError("conventioned_rate", "must not be negative")
	}
	if rj.AllowanceHours != nil && rj.AllowanceHours.IsNegative() {
		return attendance.RateHistoryEntry{}, attendance.NewValidationError("allowance_hours", "must not be negative")
	}
	return attendance.RateHistoryEntry{
		BeneficiaryID:    id,
		BillingRate:      rj.BillingRate,
		ConventionedRate: rj.ConventionedRate,
		AllowanceHours:   rj.AllowanceHours,
		EffectiveFrom:    date,
	}, nil
}

// ParseRateJSON parses a single rate entry document.
func ParseRateJSON(id attendance.BeneficiaryID, data []byte) (attendance.RateHistoryEntry, error) {
	var rj RateJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return attendance.RateHistoryEntry{}, attendance.NewValidationError("body", "invalid rate JSON: %v", err)
	}
	return ParseRate(id, rj)
}

// GenerateSecret returns a fresh random tag secret.
func GenerateSecret() (string, error) {
	return attendance.RandomToken(SecretBytes)
}

func prefixField(err error, prefix string) error {
	if verr, ok := err.(*attendance.ValidationError); ok {
		return &attendance.ValidationError{Field: prefix + verr.Field, Message: verr.Message}
	}
	return err
}
