package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-attendance/attendance"
	rstore "github.com/warp/care-attendance/store/redis"
)

// Set REDIS_TEST_URL (e.g. redis://localhost:6379/15) to run these tests.
func newTestLedger(t *testing.T) (*rstore.Ledger, attendance.BeneficiaryID, string) {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	client, err := rstore.Connect(context.Background(), url)
	require.NoError(t, err)
	l := rstore.NewLedger(client)
	t.Cleanup(func() { l.Close() })

	// Random ids keep parallel runs against a shared server apart.
	id := attendance.BeneficiaryID("test-" + uuid.NewString())
	token := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, l.SaveChallenge(context.Background(), attendance.ChallengeToken{
		Token: token, BeneficiaryID: id, Method: attendance.MethodNFC,
		IssuedAt: now, ExpiresAt: now.Add(attendance.ChallengeTTL),
	}))
	return l, id, token
}

func event(id attendance.BeneficiaryID, at time.Time) attendance.CheckEvent {
	return attendance.CheckEvent{
		BeneficiaryID: id, CaregiverName: "Alice", Action: attendance.ActionCheckIn,
		TapAt: at, AcceptedAt: at, Method: attendance.MethodNFC,
		Verification: attendance.Verification{SecretValidated: true},
	}
}

func TestLedger_ChallengeLifecycle(t *testing.T) {
	l, id, token := newTestLedger(t)
	ctx := context.Background()

	c, err := l.GetChallenge(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, id, c.BeneficiaryID)
	assert.False(t, c.Consumed)

	err = l.SaveChallenge(ctx, c)
	assert.ErrorIs(t, err, attendance.ErrValidation)

	ok, err := l.TryConsume(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryConsume(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.GetChallenge(ctx, "missing-"+token)
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestLedger_ConcurrentConsumeAndAppend(t *testing.T) {
	// GIVEN: one token and many racing submissions
	l, id, token := newTestLedger(t)
	at := time.Now().UTC()

	// WHEN: they all try to redeem it
	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ConsumeAndAppend(context.Background(), token, event(id, at))
			if err == nil {
				wins.Add(1)
			} else if assert.ErrorIs(t, err, attendance.ErrAlreadyUsed) {
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly one event exists
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), used.Load())
	events, err := l.ListEvents(context.Background(), id, attendance.Window{From: at.Add(-time.Minute), To: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = l.ConsumeAndAppend(context.Background(), "missing-"+token, event(id, at))
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestLedger_ListEventsWindowIsHalfOpen(t *testing.T) {
	l, id, _ := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		_, err := l.AppendEvent(ctx, event(id, base.Add(offset)))
		require.NoError(t, err)
	}

	events, err := l.ListEvents(ctx, id, attendance.Window{From: base, To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].AcceptedAt.Equal(base))
	assert.True(t, events[1].AcceptedAt.Equal(base.Add(time.Hour)))
	assert.True(t, events[0].Verification.SecretValidated)
}

func TestLedger_PurgeChallenges(t *testing.T) {
	l, _, token := newTestLedger(t)
	ctx := context.Background()

	_, err := l.PurgeChallenges(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = l.GetChallenge(ctx, token)
	require.NoError(t, err, "unexpired challenge survives")

	n, err := l.PurgeChallenges(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = l.GetChallenge(ctx, token)
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}
