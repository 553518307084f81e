// Package store is the Postgres gateway for users, secrets, monitors, alert
// rules, alerts and notification preferences. Consumers declare the narrow
// interface they need (the alert engine, dispatcher, facade and reconciler
// each see a few methods); *Store satisfies all of them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrNotFound is returned when a row does not exist. Ownership mismatches
// surface as ErrNotFound too, so callers cannot probe other users' entities.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pooled *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping answers the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction: commit on nil, rollback on error.
// Reads inside fn observe the transaction's own writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate creates the schema. Every statement is idempotent so redeploys and
// rolling upgrades can run it unconditionally; legacy monitor rows pick up an
// empty secret_refs map.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			tier       TEXT NOT NULL DEFAULT 'free',
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (email)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES users(id),
			name            TEXT NOT NULL,
			encrypted_value TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS monitors (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id),
			name           TEXT NOT NULL,
			monitor_type   TEXT NOT NULL,
			config         JSONB NOT NULL DEFAULT '{}',
			secret_refs    JSONB NOT NULL DEFAULT '{}',
			status         TEXT NOT NULL DEFAULT 'starting',
			workload_id    TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_sample_at TIMESTAMPTZ
		)`,
		`ALTER TABLE monitors ADD COLUMN IF NOT EXISTS secret_refs JSONB NOT NULL DEFAULT '{}'`,
		`CREATE INDEX IF NOT EXISTS monitors_user_idx ON monitors (user_id)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id               TEXT PRIMARY KEY,
			monitor_id       TEXT NOT NULL REFERENCES monitors(id),
			user_id          TEXT NOT NULL REFERENCES users(id),
			title            TEXT NOT NULL,
			condition        JSONB NOT NULL,
			severity         TEXT NOT NULL,
			cooldown_minutes INTEGER NOT NULL DEFAULT 5,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS alert_rules_active_idx ON alert_rules (is_active)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id                 TEXT PRIMARY KEY,
			rule_id            TEXT NOT NULL REFERENCES alert_rules(id),
			monitor_id         TEXT NOT NULL REFERENCES monitors(id),
			user_id            TEXT NOT NULL REFERENCES users(id),
			severity           TEXT NOT NULL,
			title              TEXT NOT NULL,
			data               JSONB NOT NULL DEFAULT '{}',
			status             TEXT NOT NULL DEFAULT 'pending',
			delivered_channels JSONB NOT NULL DEFAULT '[]',
			delivered_at       TIMESTAMPTZ,
			acknowledged_at    TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS alerts_user_created_idx ON alerts (user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id         TEXT PRIMARY KEY REFERENCES users(id),
			email_enabled   BOOLEAN NOT NULL DEFAULT TRUE,
			slack_webhook   TEXT NOT NULL DEFAULT '',
			discord_webhook TEXT NOT NULL DEFAULT '',
			teams_webhook   TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// marshalJSON encodes v for a JSONB column.
func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return b, nil
}

// unmarshalJSON decodes a JSONB column, tolerating NULL.
func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
