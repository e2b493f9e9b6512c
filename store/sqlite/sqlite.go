/*
Package sqlite provides a SQLite-backed implementation of the attendance ports.

PURPOSE:
  Implements every persistence port (BeneficiaryDirectory, Registry,
  EventLedger, RateHistoryStore, ChallengePurger) on a single SQLite file.
  This is the default store of cmd/server.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the events table
  - Challenges only ever move from consumed = 0 to consumed = 1
  - Expired challenges are purged; consumed ones are purged the same way

ATOMIC CONSUME:
  ConsumeAndAppend runs in one SQL transaction:
    UPDATE challenges SET consumed = 1 WHERE token = ? AND consumed = 0
    -- 0 rows affected: token unknown or already used, roll back
    INSERT INTO events ...
  Two submissions racing on one token therefore produce one event.

KEY TABLES:
  beneficiaries: one row per beneficiary, public_code unique
  challenges:    issued challenge tokens
  events:        accepted check events (immutable)
  rate_history:  billing rates keyed by (beneficiary_id, effective_from)

TIME ENCODING:
  Instants are stored as Unix nanoseconds (INTEGER) so range scans and
  ordering are exact. Calendar dates are stored as YYYY-MM-DD text.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - attendance/store.go: port definitions
  - attendance/store/memory.go: in-memory implementation for tests
  - store/postgres: same ports on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
)

// Store implements all attendance ports using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ attendance.BeneficiaryDirectory = (*Store)(nil)
	_ attendance.EventLedger          = (*Store)(nil)
	_ attendance.RateHistoryStore     = (*Store)(nil)
	_ attendance.Registry             = (*Store)(nil)
	_ attendance.ChallengePurger      = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS beneficiaries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		public_code TEXT NOT NULL UNIQUE,
		secret TEXT NOT NULL,
		country TEXT NOT NULL,
		timezone TEXT NOT NULL,
		currency TEXT NOT NULL,
		recipients_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS challenges (
		token TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
		method TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_challenges_expires_at
		ON challenges(expires_at);

	-- Accepted check events (append-only)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
		caregiver_name TEXT NOT NULL,
		action TEXT NOT NULL,
		tap_at INTEGER NOT NULL,
		accepted_at INTEGER NOT NULL,
		method TEXT NOT NULL,
		lat REAL,
		lon REAL,
		photo_ref TEXT NOT NULL DEFAULT '',
		secret_validated INTEGER NOT NULL,
		location_present INTEGER NOT NULL,
		location_required INTEGER NOT NULL,
		photo_present INTEGER NOT NULL
	);

	-- Hot path: monthly summary window scan
	CREATE INDEX IF NOT EXISTS idx_events_beneficiary_accepted
		ON events(beneficiary_id, accepted_at);

	CREATE TABLE IF NOT EXISTS rate_history (
		beneficiary_id TEXT NOT NULL REFERENCES beneficiaries(id),
		effective_from TEXT NOT NULL,
		billing_rate TEXT NOT NULL,
		conventioned_rate TEXT,
		allowance_hours TEXT,
		PRIMARY KEY (beneficiary_id, effective_from)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BENEFICIARIES
// =============================================================================

const beneficiaryColumns = `id, name, public_code, secret, country, timezone, currency, recipients_json, created_at`

func (s *Store) FindByPublicCode(ctx context.Context, code string) (attendance.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE public_code = ?`, code)
	return scanBeneficiary(row)
}

func (s *Store) Get(ctx context.Context, id attendance.BeneficiaryID) (attendance.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries WHERE id = ?`, id)
	return scanBeneficiary(row)
}

func (s *Store) SaveBeneficiary(ctx context.Context, b attendance.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertBeneficiary(ctx, s.db, b)
}

// RegisterBeneficiary saves a beneficiary with its initial rate history in
// one transaction.
func (s *Store) RegisterBeneficiary(ctx context.Context, b attendance.Beneficiary, rates []attendance.RateHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	if err := upsertBeneficiary(ctx, tx, b); err != nil {
		return err
	}
	for _, e := range rates {
		if e.BeneficiaryID != b.ID {
			return attendance.NewValidationError("rates", "entry belongs to %s", e.BeneficiaryID)
		}
		if err := upsertRate(ctx, tx, e); err != nil {
			return attendance.Transient("add rate entry", err)
		}
	}
	return attendance.Transient("commit", tx.Commit())
}

func upsertBeneficiary(ctx context.Context, db execer, b attendance.Beneficiary) error {
	recipients := b.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO beneficiaries (`+beneficiaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			public_code = excluded.public_code,
			secret = excluded.secret,
			country = excluded.country,
			timezone = excluded.timezone,
			currency = excluded.currency,
			recipients_json = excluded.recipients_json
	`,
		b.ID, b.Name, b.PublicCode, b.Secret, b.Country, b.Timezone, b.Currency,
		string(recipientsJSON), b.CreatedAt.UnixNano(),
	)
	if isUniqueConstraintError(err) {
		return attendance.NewValidationError("public_code", "%q is already in use", b.PublicCode)
	}
	return attendance.Transient("save beneficiary", err)
}

func (s *Store) RotateSecret(ctx context.Context, id attendance.BeneficiaryID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE beneficiaries SET secret = ? WHERE id = ?`, secret, id)
	if err != nil {
		return attendance.Transient("rotate secret", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (s *Store) ListBeneficiaries(ctx context.Context) ([]attendance.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+beneficiaryColumns+` FROM beneficiaries ORDER BY id ASC`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanBeneficiary(row scanner) (attendance.Beneficiary, error) {
	var (
		b              attendance.Beneficiary
		recipientsJSON string
		createdAt      int64
	)
	err := row.Scan(&b.ID, &b.Name, &b.PublicCode, &b.Secret, &b.Country, &b.Timezone,
		&b.Currency, &recipientsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Beneficiary{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Beneficiary{}, attendance.Transient("scan beneficiary", err)
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &b.Recipients); err != nil {
		return attendance.Beneficiary{}, fmt.Errorf("beneficiary %s recipients: %w", b.ID, err)
	}
	if len(b.Recipients) == 0 {
		b.Recipients = nil
	}
	b.CreatedAt = fromNanos(createdAt)
	return b, nil
}

// =============================================================================
// CHALLENGES
// =============================================================================

func (s *Store) SaveChallenge(ctx context.Context, c attendance.ChallengeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (token, beneficiary_id, method, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Token, c.BeneficiaryID, c.Method, c.IssuedAt.UnixNano(), c.ExpiresAt.UnixNano(), boolInt(c.Consumed))
	if isUniqueConstraintError(err) {
		return attendance.NewValidationError("token", "duplicate challenge token")
	}
	return attendance.Transient("save challenge", err)
}

func (s *Store) GetChallenge(ctx context.Context, token string) (attendance.ChallengeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c                   attendance.ChallengeToken
		issuedAt, expiresAt int64
		consumed            int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, beneficiary_id, method, issued_at, expires_at, consumed
		FROM challenges WHERE token = ?
	`, token).Scan(&c.Token, &c.BeneficiaryID, &c.Method, &issuedAt, &expiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.ChallengeToken{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.ChallengeToken{}, attendance.Transient("get challenge", err)
	}
	c.IssuedAt = fromNanos(issuedAt)
	c.ExpiresAt = fromNanos(expiresAt)
	c.Consumed = consumed != 0
	return c, nil
}

// TryConsume reports whether this call performed the consuming transition.
func (s *Store) TryConsume(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := consume(ctx, s.db, token)
	if err != nil {
		return false, attendance.Transient("consume challenge", err)
	}
	return n == 1, nil
}

func (s *Store) PurgeChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, attendance.Transient("purge challenges", err)
	}
	return res.RowsAffected()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func consume(ctx context.Context, db execer, token string) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE challenges SET consumed = 1 WHERE token = ? AND consumed = 0`, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, ev attendance.CheckEvent) (attendance.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := insertEvent(ctx, s.db, ev)
	if err != nil {
		return "", attendance.Transient("append event", err)
	}
	return id, nil
}

// ConsumeAndAppend consumes the token and inserts the event in one
// transaction. A token that is unknown gives ErrNotFound, one already
// consumed gives ErrAlreadyUsed; in both cases nothing is written.
func (s *Store) ConsumeAndAppend(ctx context.Context, token string, ev attendance.CheckEvent) (attendance.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", attendance.Transient("begin transaction", err)
	}
	defer tx.Rollback()

	n, err := consume(ctx, tx, token)
	if err != nil {
		return "", attendance.Transient("consume challenge", err)
	}
	if n == 0 {
		var consumed int
		err := tx.QueryRowContext(ctx, `SELECT consumed FROM challenges WHERE token = ?`, token).Scan(&consumed)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return "", attendance.ErrNotFound
		case err != nil:
			return "", attendance.Transient("read challenge", err)
		}
		return "", attendance.ErrAlreadyUsed
	}

	id, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return "", attendance.Transient("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return "", attendance.Transient("commit", err)
	}
	return id, nil
}

func insertEvent(ctx context.Context, db execer, ev attendance.CheckEvent) (attendance.EventID, error) {
	if ev.ID == "" {
		ev.ID = attendance.EventID(uuid.NewString())
	}
	var lat, lon sql.NullFloat64
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: ev.Location.Lon, Valid: true}
	}
	v := ev.Verification

	_, err := db.ExecContext(ctx, `
		INSERT INTO events
		(id, beneficiary_id, caregiver_name, action, tap_at, accepted_at, method, lat, lon, photo_ref,
		 secret_validated, location_present, location_required, photo_present)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.BeneficiaryID, ev.CaregiverName, ev.Action,
		ev.TapAt.UnixNano(), ev.AcceptedAt.UnixNano(), ev.Method, lat, lon, ev.PhotoRef,
		boolInt(v.SecretValidated), boolInt(v.LocationPresent), boolInt(v.LocationRequired), boolInt(v.PhotoPresent),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return ev.ID, nil
}

// ListEvents returns events accepted in [w.From, w.To), oldest first.
func (s *Store) ListEvents(ctx context.Context, id attendance.BeneficiaryID, w attendance.Window) ([]attendance.CheckEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, beneficiary_id, caregiver_name, action, tap_at, accepted_at, method, lat, lon, photo_ref,
		       secret_validated, location_present, location_required, photo_present
		FROM events
		WHERE beneficiary_id = ? AND accepted_at >= ? AND accepted_at < ?
		ORDER BY accepted_at ASC, id ASC
	`, id, w.From.UnixNano(), w.To.UnixNano())
	if err != nil {
		return nil, attendance.Transient("list events", err)
	}
	defer rows.Close()

	var events []attendance.CheckEvent
	for rows.Next() {
		var (
			ev                 attendance.CheckEvent
			tapAt, acceptedAt  int64
			lat, lon           sql.NullFloat64
			secret, locPresent int
			locRequired, photo int
		)
		if err := rows.Scan(&ev.ID, &ev.BeneficiaryID, &ev.CaregiverName, &ev.Action,
			&tapAt, &acceptedAt, &ev.Method, &lat, &lon, &ev.PhotoRef,
			&secret, &locPresent, &locRequired, &photo); err != nil {
			return nil, attendance.Transient("scan event", err)
		}
		ev.TapAt = fromNanos(tapAt)
		ev.AcceptedAt = fromNanos(acceptedAt)
		if lat.Valid && lon.Valid {
			ev.Location = &attendance.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
		}
		ev.Verification = attendance.Verification{
			SecretValidated:  secret != 0,
			LocationPresent:  locPresent != 0,
			LocationRequired: locRequired != 0,
			PhotoPresent:     photo != 0,
		}
		events = append(events, ev)
	}
	return events, attendance.Transient("list events", rows.Err())
}

// =============================================================================
// RATE HISTORY
// =============================================================================

// AddRateEntry inserts an entry; an entry with the same effective date is
// replaced.
func (s *Store) AddRateEntry(ctx context.Context, e attendance.RateHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beneficiaries WHERE id = ?`, e.BeneficiaryID).Scan(&exists)
	if err != nil {
		return attendance.Transient("add rate entry", err)
	}
	if exists == 0 {
		return attendance.ErrNotFound
	}

	return attendance.Transient("add rate entry", upsertRate(ctx, s.db, e))
}

func upsertRate(ctx context.Context, db execer, e attendance.RateHistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_history (beneficiary_id, effective_from, billing_rate, conventioned_rate, allowance_hours)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(beneficiary_id, effective_from) DO UPDATE SET
			billing_rate = excluded.billing_rate,
			conventioned_rate = excluded.conventioned_rate,
			allowance_hours = excluded.allowance_hours
	`, e.BeneficiaryID, e.EffectiveFrom.String(), e.BillingRate.String(),
		nullDecimal(e.ConventionedRate), nullDecimal(e.AllowanceHours))
	return err
}

func (s *Store) ListRateHistory(ctx context.Context, id attendance.BeneficiaryID) ([]attendance.RateHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT effective_from, billing_rate, conventioned_rate, allowance_hours
		FROM rate_history WHERE beneficiary_id = ?
		ORDER BY effective_from ASC
	`, id)
	if err != nil {
		return nil, attendance.Transient("list rate history", err)
	}
	defer rows.Close()

	var out []attendance.RateHistoryEntry
	for rows.Next() {
		var (
			effectiveFrom, billing string
			conventioned, hours    sql.NullString
		)
		if err := rows.Scan(&effectiveFrom, &billing, &conventioned, &hours); err != nil {
			return nil, attendance.Transient("scan rate entry", err)
		}
		e := attendance.RateHistoryEntry{BeneficiaryID: id}
		// Malformed rows are kept with a zero rate so billing can warn about them.
		e.EffectiveFrom, _ = attendance.ParseDate(effectiveFrom)
		e.BillingRate, _ = decimal.NewFromString(billing)
		e.ConventionedRate = parseNullDecimal(conventioned)
		e.AllowanceHours = parseNullDecimal(hours)
		out = append(out, e)
	}
	return out, attendance.Transient("list rate history", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
