// Package store provides an in-memory implementation of every attendance port.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/care-attendance/attendance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	beneficiaries map[attendance.BeneficiaryID]attendance.Beneficiary
	codes         map[string]attendance.BeneficiaryID
	challenges    map[string]attendance.ChallengeToken
	events        map[attendance.BeneficiaryID][]attendance.CheckEvent
	rates         map[attendance.BeneficiaryID][]attendance.RateHistoryEntry
}

func NewMemory() *Memory {
	return &Memory{
		beneficiaries: make(map[attendance.BeneficiaryID]attendance.Beneficiary),
		codes:         make(map[string]attendance.BeneficiaryID),
		challenges:    make(map[string]attendance.ChallengeToken),
		events:        make(map[attendance.BeneficiaryID][]attendance.CheckEvent),
		rates:         make(map[attendance.BeneficiaryID][]attendance.RateHistoryEntry),
	}
}

var (
	_ attendance.BeneficiaryDirectory = (*Memory)(nil)
	_ attendance.EventLedger          = (*Memory)(nil)
	_ attendance.RateHistoryStore     = (*Memory)(nil)
	_ attendance.Registry             = (*Memory)(nil)
	_ attendance.ChallengePurger      = (*Memory)(nil)
)

// =============================================================================
// BENEFICIARIES
// =============================================================================

func (m *Memory) FindByPublicCode(_ context.Context, code string) (attendance.Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return attendance.Beneficiary{}, attendance.ErrNotFound
	}
	return m.beneficiaries[id], nil
}

func (m *Memory) Get(_ context.Context, id attendance.BeneficiaryID) (attendance.Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.beneficiaries[id]
	if !ok {
		return attendance.Beneficiary{}, attendance.ErrNotFound
	}
	return b, nil
}

func (m *Memory) SaveBeneficiary(_ context.Context, b attendance.Beneficiary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBeneficiary(b)
}

// RegisterBeneficiary stores the beneficiary and its rates, or nothing.
func (m *Memory) RegisterBeneficiary(_ context.Context, b attendance.Beneficiary, rates []attendance.RateHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range rates {
		if e.BeneficiaryID != b.ID {
			return attendance.NewValidationError("rates", "entry belongs to %s", e.BeneficiaryID)
		}
	}
	if err := m.saveBeneficiary(b); err != nil {
		return err
	}
	for _, e := range rates {
		m.addRate(e)
	}
	return nil
}

func (m *Memory) saveBeneficiary(b attendance.Beneficiary) error {
	if owner, ok := m.codes[b.PublicCode]; ok && owner != b.ID {
		return attendance.NewValidationError("public_code", "already in use")
	}
	if prev, ok := m.beneficiaries[b.ID]; ok && prev.PublicCode != b.PublicCode {
		delete(m.codes, prev.PublicCode)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.Recipients = append([]string(nil), b.Recipients...)
	m.beneficiaries[b.ID] = b
	m.codes[b.PublicCode] = b.ID
	return nil
}

func (m *Memory) RotateSecret(_ context.Context, id attendance.BeneficiaryID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beneficiaries[id]
	if !ok {
		return attendance.ErrNotFound
	}
	b.Secret = secret
	m.beneficiaries[id] = b
	return nil
}

func (m *Memory) ListBeneficiaries(_ context.Context) ([]attendance.Beneficiary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]attendance.Beneficiary, 0, len(m.beneficiaries))
	for _, b := range m.beneficiaries {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CHALLENGES
// =============================================================================

func (m *Memory) SaveChallenge(_ context.Context, c attendance.ChallengeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.challenges[c.Token]; exists {
		return attendance.NewValidationError("token", "duplicate challenge token")
	}
	m.challenges[c.Token] = c
	return nil
}

func (m *Memory) GetChallenge(_ context.Context, token string) (attendance.ChallengeToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[token]
	if !ok {
		return attendance.ChallengeToken{}, attendance.ErrNotFound
	}
	return c, nil
}

func (m *Memory) TryConsume(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeLocked(token) == nil, nil
}

func (m *Memory) consumeLocked(token string) error {
	c, ok := m.challenges[token]
	if !ok {
		return attendance.ErrNotFound
	}
	if c.Consumed {
		return attendance.ErrAlreadyUsed
	}
	c.Consumed = true
	m.challenges[token] = c
	return nil
}

func (m *Memory) PurgeChallenges(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for token, c := range m.challenges {
		if c.ExpiresAt.Before(cutoff) {
			delete(m.challenges, token)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) AppendEvent(_ context.Context, ev attendance.CheckEvent) (attendance.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev), nil
}

// ConsumeAndAppend runs both steps under the write lock, so no reader or
// writer observes the token consumed without its event.
func (m *Memory) ConsumeAndAppend(_ context.Context, token string, ev attendance.CheckEvent) (attendance.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeLocked(token); err != nil {
		return "", err
	}
	return m.appendLocked(ev), nil
}

func (m *Memory) appendLocked(ev attendance.CheckEvent) attendance.EventID {
	if ev.ID == "" {
		ev.ID = attendance.EventID(uuid.NewString())
	}
	evs := m.events[ev.BeneficiaryID]

	// Binary search for insertion point keeps the slice ordered by AcceptedAt.
	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].AcceptedAt.After(ev.AcceptedAt)
	})
	evs = append(evs, attendance.CheckEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	m.events[ev.BeneficiaryID] = evs
	return ev.ID
}

func (m *Memory) ListEvents(_ context.Context, id attendance.BeneficiaryID, w attendance.Window) ([]attendance.CheckEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []attendance.CheckEvent
	for _, ev := range m.events[id] {
		if w.Contains(ev.AcceptedAt) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// =============================================================================
// RATE HISTORY
// =============================================================================

func (m *Memory) AddRateEntry(_ context.Context, e attendance.RateHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.beneficiaries[e.BeneficiaryID]; !ok {
		return attendance.ErrNotFound
	}
	m.addRate(e)
	return nil
}

func (m *Memory) addRate(e attendance.RateHistoryEntry) {
	entries := m.rates[e.BeneficiaryID]
	for i, existing := range entries {
		if existing.EffectiveFrom == e.EffectiveFrom {
			entries[i] = e
			return
		}
	}
	entries = append(entries, e)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EffectiveFrom.Before(entries[j].EffectiveFrom)
	})
	m.rates[e.BeneficiaryID] = entries
}

func (m *Memory) ListRateHistory(_ context.Context, id attendance.BeneficiaryID) ([]attendance.RateHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]attendance.RateHistoryEntry(nil), m.rates[id]...), nil
}
