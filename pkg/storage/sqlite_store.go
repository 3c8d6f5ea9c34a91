package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// ErrConflict is returned when the version check in UpdateAccount fails,
// which means another process wrote the row without taking the write lock.
var ErrConflict = errors.New("storage: concurrent update conflict")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                  TEXT PRIMARY KEY,
	email               TEXT NOT NULL UNIQUE,
	credential_ref      TEXT NOT NULL DEFAULT '',
	mfa_enabled         INTEGER NOT NULL DEFAULT 0,
	mfa_secret          TEXT NOT NULL DEFAULT '',
	recovery_codes      TEXT NOT NULL DEFAULT '[]',
	mfa_failed_attempts INTEGER NOT NULL DEFAULT 0,
	mfa_locked_until    INTEGER,
	known_devices       TEXT NOT NULL DEFAULT '[]',
	known_geo_tags      TEXT NOT NULL DEFAULT '[]',
	avg_tx_amount       REAL NOT NULL DEFAULT 0,
	login_lock_until    INTEGER,
	created_at          INTEGER NOT NULL,
	version             INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS login_events (
	id          TEXT PRIMARY KEY,
	account_ref TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL,
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	risk_score  REAL NOT NULL DEFAULT 0,
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_email_ts ON login_events(email, ts);
CREATE INDEX IF NOT EXISTS idx_login_account_ts ON login_events(account_ref, ts);

CREATE TABLE IF NOT EXISTS transaction_events (
	id          TEXT PRIMARY KEY,
	account_ref TEXT NOT NULL,
	amount      REAL NOT NULL,
	recipient   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	risk_score  REAL NOT NULL DEFAULT 0,
	flags       TEXT NOT NULL DEFAULT '[]',
	ip          TEXT NOT NULL DEFAULT '',
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_account_ts ON transaction_events(account_ref, ts);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	account_ref     TEXT NOT NULL DEFAULT '',
	alert_type      TEXT NOT NULL,
	severity        TEXT NOT NULL,
	triggered_rules TEXT NOT NULL DEFAULT '[]',
	risk_score      REAL NOT NULL,
	ip              TEXT NOT NULL DEFAULT '',
	details         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL,
	ts              INTEGER NOT NULL
);
`

// SQLiteStore persists events and accounts in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes every BeginTx a BEGIN IMMEDIATE, so an account
	// update holds the write lock from its first read.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL", // alerts must be durable once acknowledged
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- EventStore ---

func (s *SQLiteStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) CountFailedLogins(ctx context.Context, email string, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM login_events WHERE email = ? AND success = 0 AND ts >= ?`,
		email, since.UnixNano())
}

func (s *SQLiteStore) DistinctIPs(ctx context.Context, accountRef string, since time.Time, current string) (int, error) {
	if accountRef == "" {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ip FROM login_events WHERE account_ref = ? AND ts >= ? AND ip != ''`,
		accountRef, since.UnixNano())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	if current != "" {
		seen[current] = struct{}{}
	}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return 0, err
		}
		seen[ip] = struct{}{}
	}
	return len(seen), rows.Err()
}

func (s *SQLiteStore) CountLockoutEvents(ctx context.Context, email string, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM login_events WHERE email = ? AND fail_reason = ? AND ts >= ?`,
		email, string(models.FailAccountLocked), since.UnixNano())
}

func (s *SQLiteStore) CountRecentTransactions(ctx context.Context, accountRef string, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM transaction_events WHERE account_ref = ? AND ts >= ?`,
		accountRef, since.UnixNano())
}

func (s *SQLiteStore) AppendLoginEvent(ctx context.Context, e *models.LoginEvent) error {
	if e == nil {
		return errors.New("storage: nil login event")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_events (id, account_ref, email, ip, user_agent, success, fail_reason, risk_score, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountRef, e.Email, e.IP, e.UserAgent, boolToInt(e.Success), string(e.FailReason), e.RiskScore, e.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) AppendTransactionEvent(ctx context.Context, e *models.TransactionEvent) error {
	if e == nil {
		return errors.New("storage: nil transaction event")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	flags, err := marshalList(e.Flags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transaction_events (id, account_ref, amount, recipient, status, risk_score, flags, ip, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountRef, e.Amount, e.Recipient, string(e.Status), e.RiskScore, flags, e.IP, e.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) AppendAlert(ctx context.Context, a *models.Alert) error {
	if a == nil {
		return errors.New("storage: nil alert")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	rules, err := marshalList(a.TriggeredRules)
	if err != nil {
		return err
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, account_ref, alert_type, severity, triggered_rules, risk_score, ip, details, status, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountRef, a.AlertType, string(a.Severity), rules, a.RiskScore, a.IP, string(details), string(a.Status), a.Timestamp.UnixNano())
	return err
}

// Alerts lists alerts, newest last. Used by review tooling and tests.
func (s *SQLiteStore) Alerts(ctx context.Context) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_ref, alert_type, severity, triggered_rules, risk_score, ip, details, status, ts
		 FROM alerts ORDER BY ts, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var (
			a              models.Alert
			sev, status    string
			rules, details string
			ts             int64
		)
		if err := rows.Scan(&a.ID, &a.AccountRef, &a.AlertType, &sev, &rules, &a.RiskScore, &a.IP, &details, &status, &ts); err != nil {
			return nil, err
		}
		a.Severity = models.Severity(sev)
		a.Status = models.AlertStatus(status)
		a.Timestamp = time.Unix(0, ts)
		if err := json.Unmarshal([]byte(rules), &a.TriggeredRules); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- AccountRepository ---

const accountColumns = `id, email, credential_ref, mfa_enabled, mfa_secret, recovery_codes, mfa_failed_attempts,
	mfa_locked_until, known_devices, known_geo_tags, avg_tx_amount, login_lock_until, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                       models.Account
		mfaEnabled              int
		codes, devices, geoTags string
		mfaLocked, loginLocked  sql.NullInt64
		created                 int64
	)
	err := row.Scan(&a.ID, &a.Email, &a.CredentialRef, &mfaEnabled, &a.MfaSecretEncrypted, &codes,
		&a.MfaFailedAttempts, &mfaLocked, &devices, &geoTags, &a.AverageTransactionAmount,
		&loginLocked, &created, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	a.MfaEnabled = mfaEnabled != 0
	a.CreatedAt = time.Unix(0, created)
	a.MfaLockedUntil = fromNullTime(mfaLocked)
	a.LoginLockUntil = fromNullTime(loginLocked)
	if err := json.Unmarshal([]byte(codes), &a.RecoveryCodes); err != nil {
		return nil, fmt.Errorf("decode recovery codes: %w", err)
	}
	if err := json.Unmarshal([]byte(devices), &a.KnownDevices); err != nil {
		return nil, fmt.Errorf("decode known devices: %w", err)
	}
	if err := json.Unmarshal([]byte(geoTags), &a.KnownGeoTags); err != nil {
		return nil, fmt.Errorf("decode known geo tags: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, ref string) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, ref))
}

func (s *SQLiteStore) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *models.Account) error {
	if acct == nil || acct.Email == "" {
		return errors.New("storage: account needs an email")
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	acct.Version = 1

	enc, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Email, acct.CredentialRef, boolToInt(acct.MfaEnabled), acct.MfaSecretEncrypted, enc.codes,
		acct.MfaFailedAttempts, enc.mfaLocked, enc.devices, enc.geoTags, acct.AverageTransactionAmount,
		enc.loginLocked, acct.CreatedAt.UnixNano(), acct.Version)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateEmail
	}
	return err
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *models.Account) error {
	if acct == nil {
		return errors.New("storage: nil account")
	}
	res, err := writeAccount(ctx, s.db, acct, -1)
	if err != nil {
		return err
	}
	if res == 0 {
		return autherr.ErrAccountNotFound
	}
	acct.Version++
	return nil
}

// UpdateAccount reads, applies fn and writes inside one IMMEDIATE
// transaction. The pool has a single connection, so concurrent updates queue
// behind it and fn runs exactly once per call.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, ref string, fn UpdateFunc) (*models.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin account update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, ref))
	if err != nil {
		return nil, err
	}
	expected := current.Version

	if err := fn(current); err != nil {
		return nil, err
	}
	current.ID = ref

	n, err := writeAccount(ctx, tx, current, expected)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit account update: %w", err)
	}
	current.Version = expected + 1
	return current, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeAccount updates every mutable column. A non-negative expectedVersion
// turns it into a compare-and-set on the version column.
func writeAccount(ctx context.Context, db execer, acct *models.Account, expectedVersion int64) (int64, error) {
	enc, err := encodeAccount(acct)
	if err != nil {
		return 0, err
	}

	query := `UPDATE accounts SET credential_ref = ?, mfa_enabled = ?, mfa_secret = ?, recovery_codes = ?,
		mfa_failed_attempts = ?, mfa_locked_until = ?, known_devices = ?, known_geo_tags = ?,
		avg_tx_amount = ?, login_lock_until = ?, version = version + 1
		WHERE id = ?`
	args := []any{
		acct.CredentialRef, boolToInt(acct.MfaEnabled), acct.MfaSecretEncrypted, enc.codes,
		acct.MfaFailedAttempts, enc.mfaLocked, enc.devices, enc.geoTags,
		acct.AverageTransactionAmount, enc.loginLocked, acct.ID,
	}
	if expectedVersion >= 0 {
		query += ` AND version = ?`
		args = append(args, expectedVersion)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type encodedAccount struct {
	codes, devices, geoTags string
	mfaLocked, loginLocked  sql.NullInt64
}

func encodeAccount(a *models.Account) (encodedAccount, error) {
	var (
		enc encodedAccount
		err error
	)
	if enc.codes, err = marshalList(a.RecoveryCodes); err != nil {
		return enc, err
	}
	if enc.devices, err = marshalList(a.KnownDevices); err != nil {
		return enc, err
	}
	if enc.geoTags, err = marshalList(a.KnownGeoTags); err != nil {
		return enc, err
	}
	enc.mfaLocked = toNullTime(a.MfaLockedUntil)
	enc.loginLocked = toNullTime(a.LoginLockUntil)
	return enc, nil
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toNullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
