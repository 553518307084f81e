package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vigil/backend/internal/core"
)

// ============================================================================
// USERS
// ============================================================================

// GetOrCreateUser returns the user with the given email, creating one on
// first sight. The unique index on email makes concurrent first-logins safe:
// the loser of the race re-reads the winner's row.
func (s *Store) GetOrCreateUser(ctx context.Context, email string) (*core.User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &core.User{
		ID:        core.NewID("usr"),
		Email:     email,
		Tier:      core.TierFree,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, tier, is_active, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO NOTHING`,
		u.ID, u.Email, u.Tier, u.IsActive, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByEmail(ctx, email)
}

// GetUser loads a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*core.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, tier, is_active, created_at FROM users WHERE id = $1`, userID))
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, tier, is_active, created_at FROM users WHERE email = $1`, email))
}

func scanUser(row *sql.Row) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.Email, &u.Tier, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ============================================================================
// SECRETS
// ============================================================================

// CreateSecret inserts a secret row inside tx. Only ciphertext ever reaches
// this layer.
func (s *Store) CreateSecret(ctx context.Context, tx *sql.Tx, secret *core.Secret) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO secrets (id, user_id, name, encrypted_value, created_at) VALUES ($1, $2, $3, $4, $5)`,
		secret.ID, secret.UserID, secret.Name, secret.EncryptedValue, secret.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// GetSecretsByIDs loads the given secrets, keyed by ID, verifying ownership.
func (s *Store) GetSecretsByIDs(ctx context.Context, userID string, ids []string) (map[string]*core.Secret, error) {
	out := make(map[string]*core.Secret, len(ids))
	for _, id := range ids {
		var sec core.Secret
		err := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, name, encrypted_value, created_at FROM secrets WHERE id = $1 AND user_id = $2`,
			id, userID).Scan(&sec.ID, &sec.UserID, &sec.Name, &sec.EncryptedValue, &sec.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out[id] = &sec
	}
	return out, nil
}

// ============================================================================
// MONITORS
// ============================================================================

// CreateMonitor inserts the monitor row inside tx; status starts at
// "starting" with an empty workload_id per the state machine.
func (s *Store) CreateMonitor(ctx context.Context, tx *sql.Tx, m *core.Monitor) error {
	cfg, err := marshalJSON(m.Config)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(m.SecretRefs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO monitors (id, user_id, name, monitor_type, config, secret_refs, status, workload_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.Name, m.MonitorType, cfg, refs, m.Status, m.WorkloadID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

const monitorColumns = `id, user_id, name, monitor_type, config, secret_refs, status, workload_id, created_at, updated_at, last_sample_at`

// GetMonitor loads a monitor by ID regardless of owner. Internal callers
// (alert engine, reconciler) use this; the facade goes through
// GetMonitorOwned.
func (s *Store) GetMonitor(ctx context.Context, monitorID string) (*core.Monitor, error) {
	return scanMonitor(s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, monitorID))
}

// GetMonitorOwned loads a monitor only if userID owns it. Absence and
// ownership mismatch are indistinguishable to the caller.
func (s *Store) GetMonitorOwned(ctx context.Context, monitorID, userID string) (*core.Monitor, error) {
	return scanMonitor(s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = $1 AND user_id = $2`, monitorID, userID))
}

// ListMonitors returns all monitors for a user, newest first.
func (s *Store) ListMonitors(ctx context.Context, userID string) ([]*core.Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()
	return collectMonitors(rows)
}

// ListDeployedMonitors returns every monitor the reconciler must look at:
// those holding a workload handle, plus errored rows whose initial apply
// failed before a handle was ever recorded.
func (s *Store) ListDeployedMonitors(ctx context.Context) ([]*core.Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE workload_id <> '' OR status = $1`,
		core.MonitorError)
	if err != nil {
		return nil, fmt.Errorf("list deployed monitors: %w", err)
	}
	defer rows.Close()
	return collectMonitors(rows)
}

// UpdateMonitorDeployment records the result of a workload apply: the
// cluster handle and the new lifecycle status.
func (s *Store) UpdateMonitorDeployment(ctx context.Context, monitorID, workloadID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET workload_id = $2, status = $3, updated_at = now() WHERE id = $1`,
		monitorID, workloadID, status)
	if err != nil {
		return fmt.Errorf("update monitor deployment: %w", err)
	}
	return requireRow(res)
}

// UpdateMonitorStatus moves a monitor through the state machine without
// touching its workload handle.
func (s *Store) UpdateMonitorStatus(ctx context.Context, monitorID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET status = $2, updated_at = now() WHERE id = $1`, monitorID, status)
	if err != nil {
		return fmt.Errorf("update monitor status: %w", err)
	}
	return requireRow(res)
}

// DeleteMonitor removes the monitor and everything hanging off it — alerts,
// rules, secrets — in one transaction. The cascade is explicit, child rows
// first.
func (s *Store) DeleteMonitor(ctx context.Context, monitorID, userID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMonitor(tx.QueryRowContext(ctx,
			`SELECT `+monitorColumns+` FROM monitors WHERE id = $1 AND user_id = $2`, monitorID, userID))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE monitor_id = $1`, monitorID); err != nil {
			return fmt.Errorf("delete alerts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM alert_rules WHERE monitor_id = $1`, monitorID); err != nil {
			return fmt.Errorf("delete alert rules: %w", err)
		}
		for _, secretID := range m.SecretRefs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1 AND user_id = $2`, secretID, userID); err != nil {
				return fmt.Errorf("delete secret: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE id = $1`, monitorID); err != nil {
			return fmt.Errorf("delete monitor: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMonitor(row rowScanner) (*core.Monitor, error) {
	var (
		m            core.Monitor
		cfg, refs    []byte
		lastSampleAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.MonitorType, &cfg, &refs,
		&m.Status, &m.WorkloadID, &m.CreatedAt, &m.UpdatedAt, &lastSampleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan monitor: %w", err)
	}
	m.Config = map[string]interface{}{}
	m.SecretRefs = map[string]string{}
	if err := unmarshalJSON(cfg, &m.Config); err != nil {
		return nil, fmt.Errorf("decode monitor config: %w", err)
	}
	if err := unmarshalJSON(refs, &m.SecretRefs); err != nil {
		return nil, fmt.Errorf("decode secret refs: %w", err)
	}
	if lastSampleAt.Valid {
		m.LastSampleAt = &lastSampleAt.Time
	}
	return &m, nil
}

func collectMonitors(rows *sql.Rows) ([]*core.Monitor, error) {
	var out []*core.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
