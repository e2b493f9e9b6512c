package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/attendance/store"
)

var base = time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.SaveBeneficiary(context.Background(), attendance.Beneficiary{
		ID: "B1", PublicCode: "CODE", Secret: "S", Timezone: "UTC",
	}))
	require.NoError(t, m.SaveChallenge(context.Background(), attendance.ChallengeToken{
		Token: "tok", BeneficiaryID: "B1", IssuedAt: base, ExpiresAt: base.Add(attendance.ChallengeTTL),
	}))
	return m
}

func TestMemory_TryConsumeTrueAtMostOnce(t *testing.T) {
	// GIVEN: one unconsumed token
	m := seeded(t)

	// WHEN: many goroutines race to consume it
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryConsume(context.Background(), "tok")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly one consuming transition happened
	assert.Equal(t, int32(1), wins.Load())
	c, err := m.GetChallenge(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, c.Consumed)

	ok, err := m.TryConsume(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ConsumeAndAppendIsAllOrNothing(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	ev := attendance.CheckEvent{BeneficiaryID: "B1", CaregiverName: "Alice", Action: attendance.ActionCheckIn, AcceptedAt: base}

	id, err := m.ConsumeAndAppend(ctx, "tok", ev)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = m.ConsumeAndAppend(ctx, "tok", ev)
	assert.ErrorIs(t, err, attendance.ErrAlreadyUsed)

	_, err = m.ConsumeAndAppend(ctx, "missing", ev)
	assert.ErrorIs(t, err, attendance.ErrNotFound)

	events, err := m.ListEvents(ctx, "B1", attendance.Window{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}

func TestMemory_ListEventsOrderedAndWindowed(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour, -time.Minute} {
		_, err := m.AppendEvent(ctx, attendance.CheckEvent{BeneficiaryID: "B1", AcceptedAt: base.Add(offset)})
		require.NoError(t, err)
	}

	events, err := m.ListEvents(ctx, "B1", attendance.Window{From: base, To: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 2, "window is half-open")
	assert.Equal(t, base.Add(time.Hour), events[0].AcceptedAt)
	assert.Equal(t, base.Add(2*time.Hour), events[1].AcceptedAt)
}

func TestMemory_RateHistory(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	entry := func(rate string, y int, mo time.Month) attendance.RateHistoryEntry {
		return attendance.RateHistoryEntry{
			BeneficiaryID: "B1", BillingRate: decimal.RequireFromString(rate),
			EffectiveFrom: attendance.NewDate(y, mo, 1),
		}
	}

	require.NoError(t, m.AddRateEntry(ctx, entry("16", 2025, time.June)))
	require.NoError(t, m.AddRateEntry(ctx, entry("15", 2025, time.January)))
	require.NoError(t, m.AddRateEntry(ctx, entry("16.5", 2025, time.June)))

	rates, err := m.ListRateHistory(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "15", rates[0].BillingRate.String())
	assert.Equal(t, "16.5", rates[1].BillingRate.String(), "same date replaces")

	err = m.AddRateEntry(ctx, attendance.RateHistoryEntry{BeneficiaryID: "nobody", EffectiveFrom: attendance.NewDate(2025, 1, 1)})
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestMemory_PurgeChallenges(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	n, err := m.PurgeChallenges(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.PurgeChallenges(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.GetChallenge(ctx, "tok")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestMemory_BeneficiaryCodeFollowsUpdates(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	require.NoError(t, m.SaveBeneficiary(ctx, attendance.Beneficiary{ID: "B1", PublicCode: "NEW", Secret: "S"}))

	_, err := m.FindByPublicCode(ctx, "CODE")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
	b, err := m.FindByPublicCode(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, attendance.BeneficiaryID("B1"), b.ID)

	require.NoError(t, m.RotateSecret(ctx, "B1", "S2"))
	b, err = m.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "S2", b.Secret)
}

func TestMemory_PublicCodeIsUnique(t *testing.T) {
	m := seeded(t)
	err := m.SaveBeneficiary(context.Background(), attendance.Beneficiary{ID: "B2", PublicCode: "CODE", Secret: "x"})
	assert.ErrorIs(t, err, attendance.ErrValidation)
}

func TestMemory_RegisterBeneficiaryIsAllOrNothing(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	rate := func(id attendance.BeneficiaryID, month time.Month) attendance.RateHistoryEntry {
		return attendance.RateHistoryEntry{
			BeneficiaryID: id, EffectiveFrom: attendance.NewDate(2025, month, 1), BillingRate: decimal.NewFromInt(15),
		}
	}

	// GIVEN: a beneficiary with two rates
	require.NoError(t, m.RegisterBeneficiary(ctx,
		attendance.Beneficiary{ID: "B2", PublicCode: "CODE-2", Secret: "x"},
		[]attendance.RateHistoryEntry{rate("B2", time.June), rate("B2", time.January)}))
	rates, err := m.ListRateHistory(ctx, "B2")
	require.NoError(t, err)
	assert.Len(t, rates, 2)

	// WHEN: a registration fails on a rate or on the public code
	err = m.RegisterBeneficiary(ctx,
		attendance.Beneficiary{ID: "B3", PublicCode: "CODE-3", Secret: "x"},
		[]attendance.RateHistoryEntry{rate("B3", time.January), rate("B9", time.June)})
	assert.ErrorIs(t, err, attendance.ErrValidation)
	err = m.RegisterBeneficiary(ctx,
		attendance.Beneficiary{ID: "B4", PublicCode: "CODE", Secret: "x"},
		[]attendance.RateHistoryEntry{rate("B4", time.January)})
	assert.ErrorIs(t, err, attendance.ErrValidation)

	// THEN: neither left anything behind
	for _, id := range []attendance.BeneficiaryID{"B3", "B4"} {
		_, err = m.Get(ctx, id)
		assert.ErrorIs(t, err, attendance.ErrNotFound)
		rates, err = m.ListRateHistory(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, rates)
	}
}
