package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vigil/backend/internal/core"
)

// ============================================================================
// ALERT RULES
// ============================================================================

const ruleColumns = `id, monitor_id, user_id, title, condition, severity, cooldown_minutes, is_active, created_at`

// CreateRule inserts an alert rule. Condition validation happens at the
// facade; this layer stores what it is given.
func (s *Store) CreateRule(ctx context.Context, rule *core.AlertRule) error {
	cond, err := marshalJSON(rule.Condition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, monitor_id, user_id, title, condition, severity, cooldown_minutes, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.MonitorID, rule.UserID, rule.Title, cond, rule.Severity,
		rule.CooldownMinutes, rule.IsActive, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

// GetRuleOwned loads a rule only if userID owns it.
func (s *Store) GetRuleOwned(ctx context.Context, ruleID, userID string) (*core.AlertRule, error) {
	return scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1 AND user_id = $2`, ruleID, userID))
}

// UpdateRule persists the full rule row (the facade applies partial updates
// to a loaded rule first).
func (s *Store) UpdateRule(ctx context.Context, rule *core.AlertRule) error {
	cond, err := marshalJSON(rule.Condition)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET title = $3, condition = $4, severity = $5, cooldown_minutes = $6, is_active = $7
		 WHERE id = $1 AND user_id = $2`,
		rule.ID, rule.UserID, rule.Title, cond, rule.Severity, rule.CooldownMinutes, rule.IsActive)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	return requireRow(res)
}

// DeleteRule removes a rule and its alerts.
func (s *Store) DeleteRule(ctx context.Context, ruleID, userID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM alert_rules WHERE id = $1 AND user_id = $2`, ruleID, userID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load alert rule: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE rule_id = $1`, ruleID); err != nil {
			return fmt.Errorf("delete rule alerts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, ruleID); err != nil {
			return fmt.Errorf("delete alert rule: %w", err)
		}
		return nil
	})
}

// ListRules returns a user's rules, optionally scoped to one monitor.
func (s *Store) ListRules(ctx context.Context, userID, monitorID string) ([]*core.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE user_id = $1`
	args := []interface{}{userID}
	if monitorID != "" {
		query += ` AND monitor_id = $2`
		args = append(args, monitorID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListActiveRules returns every active rule across all users. The alert
// engine calls this once per tick.
func (s *Store) ListActiveRules(ctx context.Context) ([]*core.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func scanRule(row rowScanner) (*core.AlertRule, error) {
	var (
		r    core.AlertRule
		cond []byte
	)
	err := row.Scan(&r.ID, &r.MonitorID, &r.UserID, &r.Title, &cond, &r.Severity,
		&r.CooldownMinutes, &r.IsActive, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert rule: %w", err)
	}
	if err := unmarshalJSON(cond, &r.Condition); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return &r, nil
}

func collectRules(rows *sql.Rows) ([]*core.AlertRule, error) {
	var out []*core.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// ALERTS
// ============================================================================

const alertColumns = `id, rule_id, monitor_id, user_id, severity, title, data, status, delivered_channels, delivered_at, acknowledged_at, created_at`

// CreateAlert inserts the alert row transactionally, verifying that the
// monitor still exists first. Returns ErrNotFound when it does not — the
// engine then skips the rule.
func (s *Store) CreateAlert(ctx context.Context, alert *core.Alert) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var monitorID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM monitors WHERE id = $1`, alert.MonitorID).Scan(&monitorID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check monitor: %w", err)
		}

		data, err := marshalJSON(alert.Data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO alerts (id, rule_id, monitor_id, user_id, severity, title, data, status, delivered_channels, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]', $9)`,
			alert.ID, alert.RuleID, alert.MonitorID, alert.UserID, alert.Severity,
			alert.Title, data, alert.Status, alert.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		return nil
	})
}

// GetAlertOwned loads an alert only if userID owns it.
func (s *Store) GetAlertOwned(ctx context.Context, alertID, userID string) (*core.Alert, error) {
	return scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 AND user_id = $2`, alertID, userID))
}

// ListAlerts returns a user's alerts newest first, optionally scoped to one
// monitor, capped at limit.
func (s *Store) ListAlerts(ctx context.Context, userID, monitorID string, limit int) ([]*core.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = $1`
	args := []interface{}{userID}
	if monitorID != "" {
		query += ` AND monitor_id = $2`
		args = append(args, monitorID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*core.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAlertDelivery records the dispatcher's outcome: the exact set of
// channels that returned 2xx, the delivery time, and the derived status.
func (s *Store) UpdateAlertDelivery(ctx context.Context, alertID string, channels []string, deliveredAt time.Time) error {
	status := core.AlertFailed
	if len(channels) > 0 {
		status = core.AlertDelivered
	}
	if channels == nil {
		channels = []string{}
	}
	data, err := marshalJSON(channels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET delivered_channels = $2, delivered_at = $3, status = $4 WHERE id = $1`,
		alertID, data, deliveredAt, status)
	if err != nil {
		return fmt.Errorf("update alert delivery: %w", err)
	}
	return requireRow(res)
}

// AcknowledgeAlert marks an alert handled by its owner.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (*core.Alert, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $3, acknowledged_at = $4 WHERE id = $1 AND user_id = $2`,
		alertID, userID, core.AlertAcknowledged, at)
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.GetAlertOwned(ctx, alertID, userID)
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		a              core.Alert
		data, channels []byte
		deliveredAt    sql.NullTime
		acknowledgedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RuleID, &a.MonitorID, &a.UserID, &a.Severity, &a.Title,
		&data, &a.Status, &channels, &deliveredAt, &acknowledgedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	if err := unmarshalJSON(data, &a.Data); err != nil {
		return nil, fmt.Errorf("decode alert data: %w", err)
	}
	if err := unmarshalJSON(channels, &a.DeliveredChannels); err != nil {
		return nil, fmt.Errorf("decode delivered channels: %w", err)
	}
	if deliveredAt.Valid {
		a.DeliveredAt = &deliveredAt.Time
	}
	if acknowledgedAt.Valid {
		a.AcknowledgedAt = &acknowledgedAt.Time
	}
	return &a, nil
}

// ============================================================================
// NOTIFICATION PREFERENCES
// ============================================================================

// GetPreferences returns the per-user notification row, or ErrNotFound when
// the user has never customized channels (defaults apply).
func (s *Store) GetPreferences(ctx context.Context, userID string) (*core.NotificationPreferences, error) {
	var p core.NotificationPreferences
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email_enabled, slack_webhook, discord_webhook, teams_webhook
		 FROM notification_preferences WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.EmailEnabled, &p.SlackWebhook, &p.DiscordWebhook, &p.TeamsWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan preferences: %w", err)
	}
	return &p, nil
}

// UpsertPreferences writes the per-user channel map.
func (s *Store) UpsertPreferences(ctx context.Context, p *core.NotificationPreferences) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_id, email_enabled, slack_webhook, discord_webhook, teams_webhook)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   email_enabled = EXCLUDED.email_enabled,
		   slack_webhook = EXCLUDED.slack_webhook,
		   discord_webhook = EXCLUDED.discord_webhook,
		   teams_webhook = EXCLUDED.teams_webhook`,
		p.UserID, p.EmailEnabled, p.SlackWebhook, p.DiscordWebhook, p.TeamsWebhook)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrNotFound
		}
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
