// Package tools is the request/response surface for the orchestrating agent.
// Every operation takes a resolved user identity and returns a JSON envelope
// with a boolean success flag; failures carry a short message and nothing
// else. Absent entities and ownership mismatches are indistinguishable.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vigil/backend/internal/config"
	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/store"
	"github.com/vigil/backend/internal/workload"
)

// notFoundMsg merges absence and ownership mismatch so callers cannot probe
// other tenants' entities.
const notFoundMsg = "not found or access denied"

// defaultAlertLimit for list_alerts when the caller does not set one.
const defaultAlertLimit = 20

// recentAlertLimit for the alerts embedded in get_monitor_status.
const recentAlertLimit = 10

// Store is the slice of the relational gateway the facade uses.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	CreateMonitor(ctx context.Context, tx *sql.Tx, m *core.Monitor) error
	CreateSecret(ctx context.Context, tx *sql.Tx, s *core.Secret) error
	GetMonitorOwned(ctx context.Context, monitorID, userID string) (*core.Monitor, error)
	ListMonitors(ctx context.Context, userID string) ([]*core.Monitor, error)
	DeleteMonitor(ctx context.Context, monitorID, userID string) error
	UpdateMonitorDeployment(ctx context.Context, monitorID, workloadID, status string) error
	UpdateMonitorStatus(ctx context.Context, monitorID, status string) error

	CreateRule(ctx context.Context, rule *core.AlertRule) error
	GetRuleOwned(ctx context.Context, ruleID, userID string) (*core.AlertRule, error)
	UpdateRule(ctx context.Context, rule *core.AlertRule) error
	DeleteRule(ctx context.Context, ruleID, userID string) error
	ListRules(ctx context.Context, userID, monitorID string) ([]*core.AlertRule, error)

	ListAlerts(ctx context.Context, userID, monitorID string, limit int) ([]*core.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (*core.Alert, error)

	GetPreferences(ctx context.Context, userID string) (*core.NotificationPreferences, error)
	UpsertPreferences(ctx context.Context, p *core.NotificationPreferences) error
}

// Workloads is the cluster-side manager the facade drives.
type Workloads interface {
	Apply(ctx context.Context, monitor *core.Monitor, plaintextSecrets map[string]string) (string, error)
	Stop(ctx context.Context, workloadID string) error
	Status(ctx context.Context, workloadID string) (*workload.Status, error)
}

// Sealer encrypts secret values before they touch the relational store.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Response is the JSON envelope every operation returns.
type Response map[string]interface{}

func fail(msg string) Response {
	return Response{"success": false, "message": msg}
}

func ok(fields Response) Response {
	fields["success"] = true
	return fields
}

// Facade dispatches tool operations.
type Facade struct {
	store     Store
	workloads Workloads
	vault     Sealer
	images    config.ImageCatalog

	now func() time.Time
}

// New builds a facade.
func New(st Store, wl Workloads, vault Sealer, images config.ImageCatalog) *Facade {
	return &Facade{store: st, workloads: wl, vault: vault, images: images, now: time.Now}
}

// Handle routes one operation. Unknown operations and malformed parameters
// come back as failures, never as transport errors.
func (f *Facade) Handle(ctx context.Context, userID, op string, params json.RawMessage) Response {
	if userID == "" {
		return fail("user identity required")
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	switch op {
	case "create_monitor":
		return f.createMonitor(ctx, userID, params)
	case "list_monitors":
		return f.listMonitors(ctx, userID)
	case "get_monitor_status":
		return f.getMonitorStatus(ctx, userID, params)
	case "delete_monitor":
		return f.deleteMonitor(ctx, userID, params)
	case "get_deployment_status":
		return f.getDeploymentStatus(ctx, userID, params)
	case "get_monitor_capabilities":
		return f.getMonitorCapabilities()
	case "create_alert_rule":
		return f.createAlertRule(ctx, userID, params)
	case "update_alert_rule":
		return f.updateAlertRule(ctx, userID, params)
	case "delete_alert_rule":
		return f.deleteAlertRule(ctx, userID, params)
	case "list_alert_rules":
		return f.listAlertRules(ctx, userID, params)
	case "list_alerts":
		return f.listAlerts(ctx, userID, params)
	case "acknowledge_alert":
		return f.acknowledgeAlert(ctx, userID, params)
	case "get_notification_preferences":
		return f.getNotificationPreferences(ctx, userID)
	case "update_notification_preferences":
		return f.updateNotificationPreferences(ctx, userID, params)
	default:
		return fail("unknown operation: " + op)
	}
}

// decode unmarshals params into v, reporting a uniform failure message.
func decode(params json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return errors.New("invalid parameters")
	}
	return nil
}

// storeFailure maps a store error onto the envelope, collapsing not-found
// into the merged message and logging everything else.
func storeFailure(op string, err error) Response {
	if errors.Is(err, store.ErrNotFound) {
		return fail(notFoundMsg)
	}
	slog.Error("tool operation failed", "op", op, "error", err)
	return fail("internal error")
}
