/*
Package redis keeps challenge tokens and the check event ledger in Redis.

PURPOSE:
  Lets several server instances share challenge state without a shared SQL
  database. Consumption and the event insert run inside one Lua script,
  which Redis executes without interleaving any other command, so the
  EventLedger contract holds across instances.

KEYS:
  attendance:challenge:<token>   HASH  data (JSON), consumed ("0"|"1"), expires_at (unix µs)
  attendance:events:<beneficiary> ZSET score = accepted_at (unix µs), member = event JSON

  Challenge keys expire on their own ChallengeRetention after ExpiresAt;
  PurgeChallenges removes them earlier on demand.

SEE ALSO:
  - attendance/store.go: EventLedger, ChallengePurger
  - store/sqlite: the SQL variant of the same contract
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/care-attendance/attendance"
)

const (
	challengePrefix = "attendance:challenge:"
	eventsPrefix    = "attendance:events:"
)

// ChallengeRetention keeps a challenge key around after it expires so a late
// submission still reads "expired" or "already used" instead of "unknown".
const ChallengeRetention = 24 * time.Hour

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Script results.
const (
	resultNotFound    = 0
	resultConsumed    = 1
	resultAlreadyUsed = -1
)

// KEYS[1] challenge hash; ARGV[1] data, ARGV[2] consumed, ARGV[3] expires_at, ARGV[4] key deadline (unix ms)
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'consumed', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

// KEYS[1] challenge hash
var consumeScript = redis.NewScript(`
local consumed = redis.call('HGET', KEYS[1], 'consumed')
if not consumed then return 0 end
if consumed == '1' then return -1 end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// KEYS[1] challenge hash, KEYS[2] events zset; ARGV[1] score, ARGV[2] event JSON
var consumeAndAppendScript = redis.NewScript(`
local consumed = redis.call('HGET', KEYS[1], 'consumed')
if not consumed then return 0 end
if consumed == '1' then return -1 end
redis.call('HSET', KEYS[1], 'consumed', '1')
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Ledger implements attendance.EventLedger and attendance.ChallengePurger.
type Ledger struct {
	client *redis.Client
}

var (
	_ attendance.EventLedger     = (*Ledger)(nil)
	_ attendance.ChallengePurger = (*Ledger)(nil)
)

func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

func (l *Ledger) Close() error { return l.client.Close() }

// =============================================================================
// CHALLENGES
// =============================================================================

type challengeRecord struct {
	Token         string    `json:"token"`
	BeneficiaryID string    `json:"beneficiary_id"`
	Method        string    `json:"method"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func challengeKey(token string) string { return challengePrefix + token }

func eventsKey(id attendance.BeneficiaryID) string { return eventsPrefix + string(id) }

func (l *Ledger) SaveChallenge(ctx context.Context, c attendance.ChallengeToken) error {
	raw, err := json.Marshal(challengeRecord{
		Token:         c.Token,
		BeneficiaryID: string(c.BeneficiaryID),
		Method:        string(c.Method),
		IssuedAt:      c.IssuedAt.UTC(),
		ExpiresAt:     c.ExpiresAt.UTC(),
	})
	if err != nil {
		return err
	}
	consumed := "0"
	if c.Consumed {
		consumed = "1"
	}

	created, err := saveScript.Run(ctx, l.client, []string{challengeKey(c.Token)},
		string(raw), consumed, micros(c.ExpiresAt), c.ExpiresAt.Add(ChallengeRetention).UnixMilli(),
	).Int()
	if err != nil {
		return attendance.Transient("save challenge", err)
	}
	if created == 0 {
		return attendance.NewValidationError("token", "duplicate challenge token")
	}
	return nil
}

func (l *Ledger) GetChallenge(ctx context.Context, token string) (attendance.ChallengeToken, error) {
	fields, err := l.client.HMGet(ctx, challengeKey(token), "data", "consumed").Result()
	if err != nil {
		return attendance.ChallengeToken{}, attendance.Transient("get challenge", err)
	}
	raw, ok := fields[0].(string)
	if !ok {
		return attendance.ChallengeToken{}, attendance.ErrNotFound
	}
	var rec challengeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return attendance.ChallengeToken{}, fmt.Errorf("decode challenge: %w", err)
	}
	consumed, _ := fields[1].(string)
	return attendance.ChallengeToken{
		Token:         rec.Token,
		BeneficiaryID: attendance.BeneficiaryID(rec.BeneficiaryID),
		Method:        attendance.Method(rec.Method),
		IssuedAt:      rec.IssuedAt,
		ExpiresAt:     rec.ExpiresAt,
		Consumed:      consumed == "1",
	}, nil
}

func (l *Ledger) TryConsume(ctx context.Context, token string) (bool, error) {
	res, err := consumeScript.Run(ctx, l.client, []string{challengeKey(token)}).Int()
	if err != nil {
		return false, attendance.Transient("consume challenge", err)
	}
	return res == resultConsumed, nil
}

// PurgeChallenges scans challenge keys and deletes those that expired
// before cutoff.
func (l *Ledger) PurgeChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	limit := micros(cutoff)
	iter := l.client.Scan(ctx, 0, challengePrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := l.client.HGet(ctx, key, "expires_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return purged, attendance.Transient("purge challenges", err)
		}
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expires >= limit {
			continue
		}
		n, err := l.client.Del(ctx, key).Result()
		if err != nil {
			return purged, attendance.Transient("purge challenges", err)
		}
		purged += n
	}
	if err := iter.Err(); err != nil {
		return purged, attendance.Transient("purge challenges", err)
	}
	return purged, nil
}

// =============================================================================
// EVENTS
// =============================================================================

type eventRecord struct {
	ID               string               `json:"id"`
	BeneficiaryID    string               `json:"beneficiary_id"`
	CaregiverName    string               `json:"caregiver_name"`
	Action           string               `json:"action"`
	TapAt            time.Time            `json:"tap_at"`
	AcceptedAt       time.Time            `json:"accepted_at"`
	Method           string               `json:"method"`
	Location         *attendance.GeoPoint `json:"location,omitempty"`
	PhotoRef         string               `json:"photo_ref,omitempty"`
	SecretValidated  bool                 `json:"secret_validated"`
	LocationPresent  bool                 `json:"location_present"`
	LocationRequired bool                 `json:"location_required"`
	PhotoPresent     bool                 `json:"photo_present"`
}

func encodeEvent(ev attendance.CheckEvent) (attendance.EventID, string, error) {
	if ev.ID == "" {
		ev.ID = attendance.EventID(uuid.NewString())
	}
	raw, err := json.Marshal(eventRecord{
		ID:               string(ev.ID),
		BeneficiaryID:    string(ev.BeneficiaryID),
		CaregiverName:    ev.CaregiverName,
		Action:           string(ev.Action),
		TapAt:            ev.TapAt.UTC(),
		AcceptedAt:       ev.AcceptedAt.UTC(),
		Method:           string(ev.Method),
		Location:         ev.Location,
		PhotoRef:         ev.PhotoRef,
		SecretValidated:  ev.Verification.SecretValidated,
		LocationPresent:  ev.Verification.LocationPresent,
		LocationRequired: ev.Verification.LocationRequired,
		PhotoPresent:     ev.Verification.PhotoPresent,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode event: %w", err)
	}
	return ev.ID, string(raw), nil
}

func decodeEvent(raw string) (attendance.CheckEvent, error) {
	var rec eventRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return attendance.CheckEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return attendance.CheckEvent{
		ID:            attendance.EventID(rec.ID),
		BeneficiaryID: attendance.BeneficiaryID(rec.BeneficiaryID),
		CaregiverName: rec.CaregiverName,
		Action:        attendance.Action(rec.Action),
		TapAt:         rec.TapAt,
		AcceptedAt:    rec.AcceptedAt,
		Method:        attendance.Method(rec.Method),
		Location:      rec.Location,
		PhotoRef:      rec.PhotoRef,
		Verification: attendance.Verification{
			SecretValidated:  rec.SecretValidated,
			LocationPresent:  rec.LocationPresent,
			LocationRequired: rec.LocationRequired,
			PhotoPresent:     rec.PhotoPresent,
		},
	}, nil
}

func (l *Ledger) AppendEvent(ctx context.Context, ev attendance.CheckEvent) (attendance.EventID, error) {
	id, raw, err := encodeEvent(ev)
	if err != nil {
		return "", err
	}
	err = l.client.ZAdd(ctx, eventsKey(ev.BeneficiaryID), redis.Z{
		Score:  float64(micros(ev.AcceptedAt)),
		Member: raw,
	}).Err()
	if err != nil {
		return "", attendance.Transient("append event", err)
	}
	return id, nil
}

func (l *Ledger) ConsumeAndAppend(ctx context.Context, token string, ev attendance.CheckEvent) (attendance.EventID, error) {
	id, raw, err := encodeEvent(ev)
	if err != nil {
		return "", err
	}
	res, err := consumeAndAppendScript.Run(ctx, l.client,
		[]string{challengeKey(token), eventsKey(ev.BeneficiaryID)},
		micros(ev.AcceptedAt), raw,
	).Int()
	if err != nil {
		return "", attendance.Transient("consume and append", err)
	}
	switch res {
	case resultNotFound:
		return "", attendance.ErrNotFound
	case resultAlreadyUsed:
		return "", attendance.ErrAlreadyUsed
	}
	return id, nil
}

// ListEvents returns events accepted in [w.From, w.To), oldest first.
func (l *Ledger) ListEvents(ctx context.Context, id attendance.BeneficiaryID, w attendance.Window) ([]attendance.CheckEvent, error) {
	members, err := l.client.ZRangeByScore(ctx, eventsKey(id), &redis.ZRangeBy{
		Min: strconv.FormatInt(micros(w.From), 10),
		Max: "(" + strconv.FormatInt(micros(w.To), 10),
	}).Result()
	if err != nil {
		return nil, attendance.Transient("list events", err)
	}
	events := make([]attendance.CheckEvent, 0, len(members))
	for _, raw := range members {
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// micros keeps scores below 2^53 so float64 scores stay exact.
func micros(t time.Time) int64 {
	return t.UnixMicro()
}
