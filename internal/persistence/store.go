// Package persistence provides the durable SQLite-backed storage for the
// runtime kernel: queue items, sessions, and reminders. All mutations run in
// single transactions; conditional updates carry their expected status so
// concurrent writers cannot lose updates.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database shared by the queue, session, and reminder
// repositories.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mozi.db"
	}
	return filepath.Join(home, ".mozi", "mozi.db")
}

// Open opens (creating if needed) the SQLite database at path, applies the
// required pragmas, and initializes the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection serializes all mutations through the database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database. Safe to call once at teardown.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key            TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			peer_id        TEXT NOT NULL,
			peer_type      TEXT NOT NULL DEFAULT 'dm',
			status         TEXT NOT NULL DEFAULT 'idle',
			parent_key     TEXT,
			metadata_json  TEXT NOT NULL DEFAULT '{}',
			created_at     TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id           TEXT PRIMARY KEY,
			dedup_key    TEXT NOT NULL UNIQUE,
			session_key  TEXT NOT NULL,
			channel_id   TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			peer_type    TEXT NOT NULL DEFAULT 'dm',
			inbound_json TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			enqueued_at  TIMESTAMP NOT NULL,
			available_at TIMESTAMP NOT NULL,
			started_at   TIMESTAMP,
			finished_at  TIMESTAMP,
			updated_at   TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_status_available
			ON queue_items (status, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_session_status
			ON queue_items (session_key, status);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id            TEXT PRIMARY KEY,
			session_key   TEXT NOT NULL,
			channel_id    TEXT NOT NULL,
			peer_id       TEXT NOT NULL,
			peer_type     TEXT NOT NULL DEFAULT 'dm',
			message       TEXT NOT NULL,
			schedule_json TEXT NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			next_run_at   TIMESTAMP,
			last_run_at   TIMESTAMP,
			cancelled_at  TIMESTAMP,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_enabled_next_run
			ON reminders (enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_session
			ON reminders (session_key);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// busyRetrySchedule spaces out store-level retries that run after the
// driver's busy_timeout has already given up once. The last entry gates the
// final attempt.
var busyRetrySchedule = []time.Duration{
	20 * time.Millisecond,
	60 * time.Millisecond,
	140 * time.Millisecond,
	300 * time.Millisecond,
	600 * time.Millisecond,
}

// isSQLiteBusy reports whether err is a transient lock conflict.
func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// retryOnBusy runs f, retrying lock conflicts on the fixed schedule with full
// jitter (a wait anywhere between the scheduled delay and twice it). Any
// other error returns immediately.
func retryOnBusy(ctx context.Context, f func() error) error {
	for _, wait := range busyRetrySchedule {
		err := f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		wait += time.Duration(rand.Int63n(int64(wait)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return f()
}

// nullTime converts a nullable scan value into a *time.Time.
func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// nullString converts a nullable scan value into a plain string.
func nullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
