package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/wesm/stalewatch/internal/resilience"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("record not found")

// DB represents the database connection
type DB struct {
	*sql.DB
	now func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, now: time.Now}, nil
}

// SetClock replaces time.Now for record timestamps
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expiry TIMESTAMP,
		needs_reauth BOOLEAN NOT NULL DEFAULT 0,
		email_frequency TEXT NOT NULL DEFAULT 'immediate',
		quiet_hours_enabled BOOLEAN NOT NULL DEFAULT 0,
		quiet_hours_start INTEGER NOT NULL DEFAULT 22,
		quiet_hours_end INTEGER NOT NULL DEFAULT 8,
		timezone TEXT NOT NULL DEFAULT '',
		pause_notifications BOOLEAN NOT NULL DEFAULT 0,
		bounce_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		full_name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		last_checked TIMESTAMP,
		last_issue_count INTEGER NOT NULL DEFAULT 0,
		deactivation_reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE(user_id, full_name)
	);
	CREATE INDEX IF NOT EXISTS idx_repositories_active ON repositories(is_active);
	CREATE INDEX IF NOT EXISTS idx_repositories_user ON repositories(user_id);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		inactivity_days INTEGER NOT NULL,
		labels TEXT NOT NULL DEFAULT '[]',
		issue_states TEXT NOT NULL,
		assignee TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		FOREIGN KEY (repository_id) REFERENCES repositories(id)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_repository ON rules(repository_id);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL,
		remote_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		url TEXT NOT NULL,
		state TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '[]',
		assignee TEXT,
		last_activity TIMESTAMP NOT NULL,
		is_stale BOOLEAN NOT NULL DEFAULT 0,
		last_notified TIMESTAMP,
		FOREIGN KEY (repository_id) REFERENCES repositories(id),
		UNIQUE(repository_id, remote_id)
	);
	CREATE INDEX IF NOT EXISTS idx_issues_repository ON issues(repository_id);
	CREATE INDEX IF NOT EXISTS idx_issues_stale ON issues(repository_id, is_stale);

	CREATE TABLE IF NOT EXISTS notification_records (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		repository_id INTEGER NOT NULL,
		issue_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMP,
		delivered_at TIMESTAMP,
		deferred_until TIMESTAMP,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (repository_id) REFERENCES repositories(id)
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notification_records(user_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON notification_records(status, mode);
	CREATE INDEX IF NOT EXISTS idx_notifications_message ON notification_records(provider_message_id);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// storageErr tags a database error with the resilience kind its SQLite code
// implies: busy/locked is contention and worth retrying, constraint
// violations are the caller's fault.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return resilience.Wrap(resilience.KindValidation, op, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return resilience.Wrap(resilience.KindValidation, op, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return resilience.Wrap(resilience.KindStorage, op, err)
		}
	}
	return resilience.Wrap(resilience.KindStorage, op, err)
}

// withTx runs fn inside a transaction, rolling back on error
func (db *DB) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(s string) ([]string, error) {
	var out []string
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
