/*
store.go - Ports between the engine and its collaborators

PURPOSE:
  Defines the interfaces the verification and billing components consume.
  Persistence, delivery and account management live outside the engine;
  they plug in through these contracts.

KEY INTERFACES:
  BeneficiaryDirectory: lookup by public code (taps) or id (billing)
  TokenStore:           challenge issuance and single-use consumption
  EventStore:           append-only check events
  EventLedger:          consume a token AND append its event atomically
  RateHistoryStore:     time-versioned billing rates
  Registry:             administrative writes (register, rotate secret, add rate)
  Notifier:             fire-and-forget delivery after acceptance

ATOMIC CONSUMPTION:
  TryConsume and ConsumeAndAppend are a single indivisible "if unconsumed
  then mark consumed" step. Two concurrent callers with the same token get
  exactly one true/success and one false/ErrAlreadyUsed. ConsumeAndAppend
  additionally guarantees that a consumed token always has its event: if the
  append fails the consumption is rolled back with it.

IMPLEMENTATIONS:
  - attendance/store: in-memory, for tests and demos
  - store/sqlite: default persistent store
  - store/postgres: pgx-backed store
  - store/redis: challenge tokens and event ledger in Redis

SEE ALSO:
  - checkin/validator.go: the only caller of ConsumeAndAppend
  - billing/service.go: reads events and rate history
*/
package attendance

import (
	"context"
	"time"
)

type BeneficiaryDirectory interface {
	// FindByPublicCode returns ErrNotFound for an unknown code.
	FindByPublicCode(ctx context.Context, code string) (Beneficiary, error)

	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id BeneficiaryID) (Beneficiary, error)
}

type TokenStore interface {
	// SaveChallenge persists a freshly issued challenge.
	SaveChallenge(ctx context.Context, c ChallengeToken) error

	// GetChallenge returns ErrNotFound for an unknown token.
	GetChallenge(ctx context.Context, token string) (ChallengeToken, error)

	// TryConsume returns true iff this call performed the consuming transition.
	TryConsume(ctx context.Context, token string) (bool, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev CheckEvent) (EventID, error)

	// ListEvents returns events whose AcceptedAt falls in w, ordered by AcceptedAt.
	ListEvents(ctx context.Context, id BeneficiaryID, w Window) ([]CheckEvent, error)
}

// EventLedger couples token consumption with event creation.
type EventLedger interface {
	TokenStore
	EventStore

	// ConsumeAndAppend marks token consumed and appends ev in one atomic step.
	// Returns ErrAlreadyUsed if the token was consumed by someone else and
	// ErrNotFound if the token does not exist. On any error nothing changed.
	ConsumeAndAppend(ctx context.Context, token string, ev CheckEvent) (EventID, error)
}

type RateHistoryStore interface {
	ListRateHistory(ctx context.Context, id BeneficiaryID) ([]RateHistoryEntry, error)
}

// Registry is the administrative write side. The engine itself never
// creates beneficiaries; the api exposes it for onboarding.
type Registry interface {
	SaveBeneficiary(ctx context.Context, b Beneficiary) error
	// RegisterBeneficiary saves b and its rate history atomically.
	RegisterBeneficiary(ctx context.Context, b Beneficiary, rates []RateHistoryEntry) error
	RotateSecret(ctx context.Context, id BeneficiaryID, secret string) error
	AddRateEntry(ctx context.Context, e RateHistoryEntry) error
	ListBeneficiaries(ctx context.Context) ([]Beneficiary, error)
}

// ChallengePurger removes challenges that expired before cutoff.
type ChallengePurger interface {
	PurgeChallenges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier delivers a notification. Errors are logged by the caller and
// never undo an accepted event.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
