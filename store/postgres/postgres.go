/*
Package postgres implements the attendance ports on PostgreSQL via pgx.

PURPOSE:
  Same contract as store/sqlite, for deployments that share one database
  between several server instances. Atomicity of token consumption comes
  from the database, not from a process mutex:

    BEGIN
    UPDATE challenges SET consumed = TRUE WHERE token = $1 AND NOT consumed
    -- 0 rows: unknown or already used → ROLLBACK
    INSERT INTO check_events ...
    COMMIT

  Under READ COMMITTED a concurrent UPDATE on the same row waits for the
  first transaction and then re-evaluates "NOT consumed", so only one
  caller sees a row affected.

DECIMALS:
  Rates are NUMERIC columns, sent and read as text so no precision is lost.

SEE ALSO:
  - store/sqlite: the single-file variant
  - attendance/store.go: port definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
)

// DefaultQueryTimeout bounds each store call when the caller's context has no
// deadline of its own.
const DefaultQueryTimeout = 5 * time.Second

const uniqueViolation = "23505"

type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var (
	_ attendance.BeneficiaryDirectory = (*Store)(nil)
	_ attendance.EventLedger          = (*Store)(nil)
	_ attendance.RateHistoryStore     = (*Store)(nil)
	_ attendance.Registry             = (*Store)(nil)
	_ attendance.ChallengePurger      = (*Store)(nil)
)

// Connect opens a pool on databaseURL and migrates the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, timeout: DefaultQueryTimeout}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const schema = `
CREATE TABLE IF NOT EXISTS beneficiaries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	public_code TEXT NOT NULL UNIQUE,
	secret TEXT NOT NULL,
	country TEXT NOT NULL,
	timezone TEXT NOT NULL,
	currency TEXT NOT NULL,
	recipients TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS challenges (
	token TEXT PRIMARY KEY,
	beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
	method TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	consumed BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges(expires_at);

CREATE TABLE IF NOT EXISTS check_events (
	id TEXT PRIMARY KEY,
	beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
	caregiver_name TEXT NOT NULL,
	action TEXT NOT NULL,
	tap_at TIMESTAMPTZ NOT NULL,
	accepted_at TIMESTAMPTZ NOT NULL,
	method TEXT NOT NULL,
	lat DOUBLE PRECISION,
	lon DOUBLE PRECISION,
	photo_ref TEXT NOT NULL DEFAULT '',
	secret_validated BOOLEAN NOT NULL,
	location_present BOOLEAN NOT NULL,
	location_required BOOLEAN NOT NULL,
	photo_present BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_check_events_beneficiary_accepted
	ON check_events(beneficiary_id, accepted_at);

CREATE TABLE IF NOT EXISTS rate_history (
	beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
	effective_from DATE NOT NULL,
	billing_rate NUMERIC NOT NULL,
	conventioned_rate NUMERIC,
	allowance_hours NUMERIC,
	PRIMARY KEY (beneficiary_id, effective_from)
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// BENEFICIARIES
// =============================================================================

const beneficiaryColumns = `id, name, public_code, secret, country, timezone, currency, recipients, created_at`

func (s *Store) FindByPublicCode(ctx context.Context, code string) (attendance.Beneficiary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanBeneficiary(s.pool.QueryRow(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE public_code = $1`, code))
}

func (s *Store) Get(ctx context.Context, id attendance.BeneficiaryID) (attendance.Beneficiary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanBeneficiary(s.pool.QueryRow(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = $1`, string(id)))
}

func scanBeneficiary(row pgx.Row) (attendance.Beneficiary, error) {
	var (
		b                           attendance.Beneficiary
		id, name, code, secret      string
		country, timezone, currency string
		recipients                  []string
		createdAt                   time.Time
	)
	err := row.Scan(&id, &name, &code, &secret, &country, &timezone, &currency, &recipients, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, attendance.ErrNotFound
	}
	if err != nil {
		return b, attendance.Transient("scan beneficiary", err)
	}
	b = attendance.Beneficiary{
		ID: attendance.BeneficiaryID(id), Name: name, PublicCode: code, Secret: secret,
		Country: country, Timezone: timezone, Currency: currency, CreatedAt: createdAt.UTC(),
	}
	if len(recipients) > 0 {
		b.Recipients = recipients
	}
	return b, nil
}

func (s *Store) SaveBeneficiary(ctx context.Context, b attendance.Beneficiary) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return upsertBeneficiary(ctx, s.pool, b)
}

// RegisterBeneficiary saves a beneficiary with its initial rate history in
// one transaction.
func (s *Store) RegisterBeneficiary(ctx context.Context, b attendance.Beneficiary, rates []attendance.RateHistoryEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertBeneficiary(ctx, tx, b); err != nil {
			return err
		}
		for _, e := range rates {
			if e.BeneficiaryID != b.ID {
				return attendance.NewValidationError("rates", "entry belongs to %s", e.BeneficiaryID)
			}
			if err := upsertRate(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	return attendance.Transient("register beneficiary", err)
}

func upsertBeneficiary(ctx context.Context, db execer, b attendance.Beneficiary) error {
	recipients := b.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO beneficiaries (`+beneficiaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			public_code = EXCLUDED.public_code,
			secret = EXCLUDED.secret,
			country = EXCLUDED.country,
			timezone = EXCLUDED.timezone,
			currency = EXCLUDED.currency,
			recipients = EXCLUDED.recipients`,
		string(b.ID), b.Name, b.PublicCode, b.Secret, b.Country, b.Timezone, b.Currency, recipients, b.CreatedAt)
	if isUniqueViolation(err) {
		return attendance.NewValidationError("public_code", "%q is already in use", b.PublicCode)
	}
	return attendance.Transient("save beneficiary", err)
}

func (s *Store) RotateSecret(ctx context.Context, id attendance.BeneficiaryID, secret string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE beneficiaries SET secret = $1 WHERE id = $2`, secret, string(id))
	if err != nil {
		return attendance.Transient("rotate secret", err)
	}
	if tag.RowsAffected() == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (s *Store) ListBeneficiaries(ctx context.Context) ([]attendance.Beneficiary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries ORDER BY id`)
	if err != nil {
		return nil, attendance.Transient("list beneficiaries", err)
	}
	defer rows.Close()

	var out []attendance.Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, attendance.Transient("list beneficiaries", rows.Err())
}

// =============================================================================
// CHALLENGES
// =============================================================================

func (s *Store) SaveChallenge(ctx context.Context, c attendance.ChallengeToken) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (token, beneficiary_id, method, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.Token, string(c.BeneficiaryID), string(c.Method), c.IssuedAt, c.ExpiresAt, c.Consumed)
	if isUniqueViolation(err) {
		return attendance.NewValidationError("token", "duplicate challenge token")
	}
	return attendance.Transient("save challenge", err)
}

func (s *Store) GetChallenge(ctx context.Context, token string) (attendance.ChallengeToken, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		c                   attendance.ChallengeToken
		beneficiary, method string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT token, beneficiary_id, method, issued_at, expires_at, consumed
		FROM challenges WHERE token = $1`, token,
	).Scan(&c.Token, &beneficiary, &method, &c.IssuedAt, &c.ExpiresAt, &c.Consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return attendance.ChallengeToken{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.ChallengeToken{}, attendance.Transient("get challenge", err)
	}
	c.BeneficiaryID = attendance.BeneficiaryID(beneficiary)
	c.Method = attendance.Method(method)
	c.IssuedAt, c.ExpiresAt = c.IssuedAt.UTC(), c.ExpiresAt.UTC()
	return c, nil
}

const consumeSQL = `UPDATE challenges SET consumed = TRUE WHERE token = $1 AND NOT consumed`

func (s *Store) TryConsume(ctx context.Context, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, consumeSQL, token)
	if err != nil {
		return false, attendance.Transient("consume challenge", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) PurgeChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, attendance.Transient("purge challenges", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// EVENTS
// =============================================================================

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, ev attendance.CheckEvent) (attendance.EventID, error) {
	if ev.ID == "" {
		ev.ID = attendance.EventID(uuid.NewString())
	}
	var lat, lon *float64
	if ev.Location != nil {
		lat, lon = &ev.Location.Lat, &ev.Location.Lon
	}
	v := ev.Verification
	_, err := db.Exec(ctx, `
		INSERT INTO check_events
		(id, beneficiary_id, caregiver_name, action, tap_at, accepted_at, method, lat, lon, photo_ref,
		 secret_validated, location_present, location_required, photo_present)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(ev.ID), string(ev.BeneficiaryID), ev.CaregiverName, string(ev.Action),
		ev.TapAt, ev.AcceptedAt, string(ev.Method), lat, lon, ev.PhotoRef,
		v.SecretValidated, v.LocationPresent, v.LocationRequired, v.PhotoPresent)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return ev.ID, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev attendance.CheckEvent) (attendance.EventID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := insertEvent(ctx, s.pool, ev)
	if err != nil {
		return "", attendance.Transient("append event", err)
	}
	return id, nil
}

// ConsumeAndAppend consumes the token and inserts the event in one
// transaction.
func (s *Store) ConsumeAndAppend(ctx context.Context, token string, ev attendance.CheckEvent) (attendance.EventID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id attendance.EventID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, consumeSQL, token)
		if err != nil {
			return attendance.Transient("consume challenge", err)
		}
		if tag.RowsAffected() == 0 {
			var consumed bool
			err := tx.QueryRow(ctx, `SELECT consumed FROM challenges WHERE token = $1`, token).Scan(&consumed)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				return attendance.ErrNotFound
			case err != nil:
				return attendance.Transient("read challenge", err)
			}
			return attendance.ErrAlreadyUsed
		}

		id, err = insertEvent(ctx, tx, ev)
		return attendance.Transient("append event", err)
	})
	if err != nil {
		return "", attendance.Transient("commit", err)
	}
	return id, nil
}

func (s *Store) ListEvents(ctx context.Context, id attendance.BeneficiaryID, w attendance.Window) ([]attendance.CheckEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, beneficiary_id, caregiver_name, action, tap_at, accepted_at, method, lat, lon, photo_ref,
		       secret_validated, location_present, location_required, photo_present
		FROM check_events
		WHERE beneficiary_id = $1 AND accepted_at >= $2 AND accepted_at < $3
		ORDER BY accepted_at, id`, string(id), w.From, w.To)
	if err != nil {
		return nil, attendance.Transient("list events", err)
	}
	defer rows.Close()

	var events []attendance.CheckEvent
	for rows.Next() {
		var (
			ev                                attendance.CheckEvent
			evID, beneficiary, action, method string
			lat, lon                          *float64
		)
		if err := rows.Scan(&evID, &beneficiary, &ev.CaregiverName, &action, &ev.TapAt, &ev.AcceptedAt,
			&method, &lat, &lon, &ev.PhotoRef,
			&ev.Verification.SecretValidated, &ev.Verification.LocationPresent,
			&ev.Verification.LocationRequired, &ev.Verification.PhotoPresent); err != nil {
			return nil, attendance.Transient("scan event", err)
		}
		ev.ID = attendance.EventID(evID)
		ev.BeneficiaryID = attendance.BeneficiaryID(beneficiary)
		ev.Action = attendance.Action(action)
		ev.Method = attendance.Method(method)
		ev.TapAt, ev.AcceptedAt = ev.TapAt.UTC(), ev.AcceptedAt.UTC()
		if lat != nil && lon != nil {
			ev.Location = &attendance.GeoPoint{Lat: *lat, Lon: *lon}
		}
		events = append(events, ev)
	}
	return events, attendance.Transient("list events", rows.Err())
}

// =============================================================================
// RATE HISTORY
// =============================================================================

func (s *Store) AddRateEntry(ctx context.Context, e attendance.RateHistoryEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return upsertRate(ctx, s.pool, e)
}

func upsertRate(ctx context.Context, db execer, e attendance.RateHistoryEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO rate_history (beneficiary_id, effective_from, billing_rate, conventioned_rate, allowance_hours)
		VALUES ($1, $2::date, $3::numeric, $4::numeric, $5::numeric)
		ON CONFLICT (beneficiary_id, effective_from) DO UPDATE SET
			billing_rate = EXCLUDED.billing_rate,
			conventioned_rate = EXCLUDED.conventioned_rate,
			allowance_hours = EXCLUDED.allowance_hours`,
		string(e.BeneficiaryID), e.EffectiveFrom.String(), e.BillingRate.String(),
		decimalText(e.ConventionedRate), decimalText(e.AllowanceHours))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return attendance.ErrNotFound
	}
	return attendance.Transient("add rate entry", err)
}

func (s *Store) ListRateHistory(ctx context.Context, id attendance.BeneficiaryID) ([]attendance.RateHistoryEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(effective_from, 'YYYY-MM-DD'), billing_rate::text, conventioned_rate::text, allowance_hours::text
		FROM rate_history WHERE beneficiary_id = $1
		ORDER BY effective_from`, string(id))
	if err != nil {
		return nil, attendance.Transient("list rate history", err)
	}
	defer rows.Close()

	var out []attendance.RateHistoryEntry
	for rows.Next() {
		var (
			effectiveFrom, billing string
			conventioned, hours    *string
		)
		if err := rows.Scan(&effectiveFrom, &billing, &conventioned, &hours); err != nil {
			return nil, attendance.Transient("scan rate entry", err)
		}
		e := attendance.RateHistoryEntry{BeneficiaryID: id}
		e.EffectiveFrom, _ = attendance.ParseDate(effectiveFrom)
		e.BillingRate, _ = decimal.NewFromString(billing)
		e.ConventionedRate = parseDecimal(conventioned)
		e.AllowanceHours = parseDecimal(hours)
		out = append(out, e)
	}
	return out, attendance.Transient("list rate history", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
