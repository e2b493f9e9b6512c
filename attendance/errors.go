/*
errors.go - Error taxonomy for verification and billing

PURPOSE:
  Every failure a caller can observe is one of the sentinels below. The
  caregiver-facing flow depends on telling them apart: an expired tap means
  "tap again", an already-used token means "this tap was redeemed, tap
  again", a missing location means "enable location and retry".

ERROR CATEGORIES:
  1. Lookup errors - ErrNotFound
  2. Credential errors - ErrForbidden
  3. Freshness errors - ErrInvalidTimestamp, ErrExpired
  4. Replay errors - ErrAlreadyUsed
  5. Policy errors - ErrMissingLocation, ErrValidation
  6. Collaborator errors - ErrTransientStore (safe to retry)

USAGE:
  if errors.Is(err, attendance.ErrAlreadyUsed) {
      // show "already used, tap again"
  }

SEE ALSO:
  - checkin/validator.go: produces most of these
  - api/handlers.go: maps them to HTTP status codes
*/
package attendance

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned for an unknown beneficiary code or id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the presented secret or token does not
	// belong to the beneficiary.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTimestamp is returned for a client timestamp outside the
	// accepted skew, including taps from the future.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrExpired is returned when the tap or its challenge is too old.
	ErrExpired = errors.New("expired")

	// ErrAlreadyUsed is returned when a challenge token was already redeemed.
	ErrAlreadyUsed = errors.New("challenge already used")

	// ErrMissingLocation is returned when the method requires coordinates.
	ErrMissingLocation = errors.New("location required")

	// ErrValidation is returned when a required field is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrTransientStore is returned when a collaborator I/O call fails.
	// Nothing was persisted; the caller may retry.
	ErrTransientStore = errors.New("transient store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError is a shorthand for handlers and factories.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StoreError wraps a driver failure. It unwraps to both ErrTransientStore and
// the underlying cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

// Transient wraps err as a StoreError unless it already is one of the
// taxonomy sentinels. Store adapters call it on every driver error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Code(err) != CodeInternal {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Stable machine-readable codes surfaced to clients.
const (
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeInvalidTimestamp = "invalid_timestamp"
	CodeExpired          = "expired"
	CodeAlreadyUsed      = "already_used"
	CodeMissingLocation  = "missing_location"
	CodeValidation       = "validation"
	CodeTransient        = "transient"
	CodeInternal         = "internal"
)

// Code maps an error to its stable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidTimestamp):
		return CodeInvalidTimestamp
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrAlreadyUsed):
		return CodeAlreadyUsed
	case errors.Is(err, ErrMissingLocation):
		return CodeMissingLocation
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrTransientStore),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeTransient
	}
	return CodeInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return Code(err) == CodeTransient
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch Code(err) {
	case CodeForbidden, CodeInvalidTimestamp, CodeExpired, CodeAlreadyUsed,
		CodeMissingLocation, CodeValidation:
		return true
	}
	return false
}
