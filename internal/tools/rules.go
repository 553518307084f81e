package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/rules"
	"github.com/vigil/backend/internal/store"
)

type createRuleRequest struct {
	MonitorID       string         `json:"monitor_id"`
	Title           string         `json:"title"`
	Condition       core.Condition `json:"condition"`
	Severity        string         `json:"severity"`
	CooldownMinutes int            `json:"cooldown_minutes"`
}

func (f *Facade) createAlertRule(ctx context.Context, userID string, params json.RawMessage) Response {
	var req createRuleRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	if req.Title == "" {
		return fail("title is required")
	}
	if err := rules.Validate(req.Condition); err != nil {
		return fail(err.Error())
	}
	if !core.ValidSeverity(req.Severity) {
		return fail("severity must be one of low, medium, high, critical")
	}
	if req.CooldownMinutes < 0 {
		return fail("cooldown_minutes must not be negative")
	}

	// The rule inherits its owner from the monitor; a foreign monitor is
	// indistinguishable from a missing one.
	monitor, err := f.store.GetMonitorOwned(ctx, req.MonitorID, userID)
	if err != nil {
		return storeFailure("create_alert_rule", err)
	}

	rule := &core.AlertRule{
		ID:              core.NewID("rule"),
		MonitorID:       monitor.ID,
		UserID:          userID,
		Title:           req.Title,
		Condition:       req.Condition,
		Severity:        req.Severity,
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        true,
		CreatedAt:       f.now().UTC(),
	}
	if err := f.store.CreateRule(ctx, rule); err != nil {
		return storeFailure("create_alert_rule", err)
	}
	return ok(Response{"alert_rule": rule})
}

type updateRuleRequest struct {
	RuleID          string          `json:"rule_id"`
	Title           *string         `json:"title"`
	Condition       *core.Condition `json:"condition"`
	Severity        *string         `json:"severity"`
	CooldownMinutes *int            `json:"cooldown_minutes"`
	IsActive        *bool           `json:"is_active"`
}

func (f *Facade) updateAlertRule(ctx context.Context, userID string, params json.RawMessage) Response {
	var req updateRuleRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}

	rule, err := f.store.GetRuleOwned(ctx, req.RuleID, userID)
	if err != nil {
		return storeFailure("update_alert_rule", err)
	}

	if req.Title != nil {
		if *req.Title == "" {
			return fail("title is required")
		}
		rule.Title = *req.Title
	}
	if req.Condition != nil {
		if err := rules.Validate(*req.Condition); err != nil {
			return fail(err.Error())
		}
		rule.Condition = *req.Condition
	}
	if req.Severity != nil {
		if !core.ValidSeverity(*req.Severity) {
			return fail("severity must be one of low, medium, high, critical")
		}
		rule.Severity = *req.Severity
	}
	if req.CooldownMinutes != nil {
		if *req.CooldownMinutes < 0 {
			return fail("cooldown_minutes must not be negative")
		}
		rule.CooldownMinutes = *req.CooldownMinutes
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := f.store.UpdateRule(ctx, rule); err != nil {
		return storeFailure("update_alert_rule", err)
	}
	return ok(Response{"alert_rule": rule})
}

type ruleIDRequest struct {
	RuleID string `json:"rule_id"`
}

func (f *Facade) deleteAlertRule(ctx context.Context, userID string, params json.RawMessage) Response {
	var req ruleIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	if err := f.store.DeleteRule(ctx, req.RuleID, userID); err != nil {
		return storeFailure("delete_alert_rule", err)
	}
	return ok(Response{"message": fmt.Sprintf("alert rule %s deleted", req.RuleID)})
}

func (f *Facade) listAlertRules(ctx context.Context, userID string, params json.RawMessage) Response {
	var req monitorIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	list, err := f.store.ListRules(ctx, userID, req.MonitorID)
	if err != nil {
		return storeFailure("list_alert_rules", err)
	}
	if list == nil {
		list = []*core.AlertRule{}
	}
	return ok(Response{"alert_rules": list})
}

type listAlertsRequest struct {
	MonitorID string `json:"monitor_id"`
	Limit     int    `json:"limit"`
}

func (f *Facade) listAlerts(ctx context.Context, userID string, params json.RawMessage) Response {
	var req listAlertsRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	if req.Limit <= 0 {
		req.Limit = defaultAlertLimit
	}
	list, err := f.store.ListAlerts(ctx, userID, req.MonitorID, req.Limit)
	if err != nil {
		return storeFailure("list_alerts", err)
	}
	if list == nil {
		list = []*core.Alert{}
	}
	return ok(Response{"alerts": list})
}

type alertIDRequest struct {
	AlertID string `json:"alert_id"`
}

func (f *Facade) acknowledgeAlert(ctx context.Context, userID string, params json.RawMessage) Response {
	var req alertIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	alert, err := f.store.AcknowledgeAlert(ctx, req.AlertID, userID, f.now().UTC())
	if err != nil {
		return storeFailure("acknowledge_alert", err)
	}
	return ok(Response{
		"alert": Response{
			"id":              alert.ID,
			"status":          alert.Status,
			"acknowledged_at": alert.AcknowledgedAt,
		},
	})
}

func (f *Facade) getNotificationPreferences(ctx context.Context, userID string) Response {
	prefs, err := f.store.GetPreferences(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		prefs = &core.NotificationPreferences{UserID: userID, EmailEnabled: true}
	} else if err != nil {
		return storeFailure("get_notification_preferences", err)
	}
	return ok(Response{"preferences": prefs})
}

type updatePreferencesRequest struct {
	EmailEnabled   *bool   `json:"email_enabled"`
	SlackWebhook   *string `json:"slack_webhook"`
	DiscordWebhook *string `json:"discord_webhook"`
	TeamsWebhook   *string `json:"teams_webhook"`
}

func (f *Facade) updateNotificationPreferences(ctx context.Context, userID string, params json.RawMessage) Response {
	var req updatePreferencesRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}

	prefs, err := f.store.GetPreferences(ctx, userID)
	if err != nil {
		// First write for this user starts from defaults.
		prefs = &core.NotificationPreferences{UserID: userID, EmailEnabled: true}
	}
	if req.EmailEnabled != nil {
		prefs.EmailEnabled = *req.EmailEnabled
	}
	if req.SlackWebhook != nil {
		prefs.SlackWebhook = *req.SlackWebhook
	}
	if req.DiscordWebhook != nil {
		prefs.DiscordWebhook = *req.DiscordWebhook
	}
	if req.TeamsWebhook != nil {
		prefs.TeamsWebhook = *req.TeamsWebhook
	}

	if err := f.store.UpsertPreferences(ctx, prefs); err != nil {
		return storeFailure("update_notification_preferences", err)
	}
	return ok(Response{"preferences": prefs})
}
