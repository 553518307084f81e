package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vigil/backend/internal/core"
)

type createMonitorRequest struct {
	Name        string                 `json:"name"`
	MonitorType string                 `json:"monitor_type"`
	Config      map[string]interface{} `json:"config"`
	Secrets     map[string]string      `json:"secrets"`
}

// createMonitor inserts the relational row first, then applies the workload.
// If the apply fails the row stays behind in error state; re-creating or
// letting the reconciler retry converges.
func (f *Facade) createMonitor(ctx context.Context, userID string, params json.RawMessage) Response {
	var req createMonitorRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}
	if req.Name == "" {
		return fail("name is required")
	}
	if req.MonitorType == "" {
		return fail("monitor_type is required")
	}
	if req.Config == nil {
		req.Config = map[string]interface{}{}
	}

	now := f.now().UTC()
	monitor := &core.Monitor{
		ID:          core.NewID("mon"),
		UserID:      userID,
		Name:        req.Name,
		MonitorType: req.MonitorType,
		Config:      req.Config,
		SecretRefs:  map[string]string{},
		Status:      core.MonitorStarting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Seal secrets and stage their rows before the transaction so a vault
	// failure aborts cleanly with nothing persisted.
	secretRows := make([]*core.Secret, 0, len(req.Secrets))
	for name, value := range req.Secrets {
		sealed, err := f.vault.Encrypt(value)
		if err != nil {
			slog.Error("failed to seal secret", "monitor", monitor.ID, "error", err)
			return fail("failed to store secrets")
		}
		row := &core.Secret{
			ID:             core.NewID("sec"),
			UserID:         userID,
			Name:           name,
			EncryptedValue: sealed,
			CreatedAt:      now,
		}
		secretRows = append(secretRows, row)
		monitor.SecretRefs[name] = row.ID
	}

	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.store.CreateMonitor(ctx, tx, monitor); err != nil {
			return err
		}
		for _, row := range secretRows {
			if err := f.store.CreateSecret(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeFailure("create_monitor", err)
	}

	workloadID, err := f.workloads.Apply(ctx, monitor, req.Secrets)
	deployStatus := core.MonitorDeploying
	if err != nil {
		slog.Error("workload apply failed", "monitor", monitor.ID, "error", err)
		deployStatus = core.MonitorError
		workloadID = ""
		if uerr := f.store.UpdateMonitorStatus(ctx, monitor.ID, core.MonitorError); uerr != nil {
			slog.Error("failed to mark monitor error", "monitor", monitor.ID, "error", uerr)
		}
	} else if uerr := f.store.UpdateMonitorDeployment(ctx, monitor.ID, workloadID, deployStatus); uerr != nil {
		return storeFailure("create_monitor", uerr)
	}

	return ok(Response{
		"monitor": Response{
			"id":         monitor.ID,
			"name":       monitor.Name,
			"type":       monitor.MonitorType,
			"status":     deployStatus,
			"created_at": monitor.CreatedAt,
			"deployment": Response{
				"workload_id": workloadID,
				"status":      deployStatus,
			},
		},
	})
}

func (f *Facade) listMonitors(ctx context.Context, userID string) Response {
	monitors, err := f.store.ListMonitors(ctx, userID)
	if err != nil {
		return storeFailure("list_monitors", err)
	}

	out := make([]Response, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, Response{
			"id":         m.ID,
			"name":       m.Name,
			"type":       m.MonitorType,
			"status":     m.Status,
			"created_at": m.CreatedAt,
			"last_check": m.LastSampleAt,
		})
	}
	return ok(Response{"monitors": out})
}

type monitorIDRequest struct {
	MonitorID string `json:"monitor_id"`
}

func (f *Facade) getMonitorStatus(ctx context.Context, userID string, params json.RawMessage) Response {
	var req monitorIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}

	m, err := f.store.GetMonitorOwned(ctx, req.MonitorID, userID)
	if err != nil {
		return storeFailure("get_monitor_status", err)
	}

	recent, err := f.store.ListAlerts(ctx, userID, m.ID, recentAlertLimit)
	if err != nil {
		return storeFailure("get_monitor_status", err)
	}
	if recent == nil {
		recent = []*core.Alert{}
	}

	monitor := Response{
		"id":            m.ID,
		"name":          m.Name,
		"type":          m.MonitorType,
		"status":        m.Status,
		"config":        m.Config,
		"created_at":    m.CreatedAt,
		"last_check":    m.LastSampleAt,
		"recent_alerts": recent,
	}
	if m.WorkloadID != "" {
		if st, err := f.workloads.Status(ctx, m.WorkloadID); err == nil {
			monitor["deployment"] = st
		} else {
			slog.Warn("workload status unavailable", "monitor", m.ID, "error", err)
		}
	}
	return ok(Response{"monitor": monitor})
}

func (f *Facade) deleteMonitor(ctx context.Context, userID string, params json.RawMessage) Response {
	var req monitorIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}

	m, err := f.store.GetMonitorOwned(ctx, req.MonitorID, userID)
	if err != nil {
		return storeFailure("delete_monitor", err)
	}

	if m.WorkloadID != "" {
		if err := f.workloads.Stop(ctx, m.WorkloadID); err != nil {
			slog.Error("failed to stop workload", "monitor", m.ID, "error", err)
			return fail("failed to stop monitor workload")
		}
	}
	if err := f.store.DeleteMonitor(ctx, req.MonitorID, userID); err != nil {
		return storeFailure("delete_monitor", err)
	}
	return ok(Response{"message": fmt.Sprintf("monitor %s deleted", m.ID)})
}

func (f *Facade) getDeploymentStatus(ctx context.Context, userID string, params json.RawMessage) Response {
	var req monitorIDRequest
	if err := decode(params, &req); err != nil {
		return fail(err.Error())
	}

	m, err := f.store.GetMonitorOwned(ctx, req.MonitorID, userID)
	if err != nil {
		return storeFailure("get_deployment_status", err)
	}
	if m.WorkloadID == "" {
		return ok(Response{"deployment_status": Response{"status": "not_deployed"}})
	}

	st, err := f.workloads.Status(ctx, m.WorkloadID)
	if err != nil {
		slog.Error("workload status failed", "monitor", m.ID, "error", err)
		return fail("deployment status unavailable")
	}
	return ok(Response{"deployment_status": st})
}

// getMonitorCapabilities reports the monitor types this deployment can run.
func (f *Facade) getMonitorCapabilities() Response {
	types := make([]string, 0, len(f.images.Types))
	for t := range f.images.Types {
		types = append(types, t)
	}
	sort.Strings(types)
	return ok(Response{
		"monitor_types": types,
		"default_image": f.images.Default,
	})
}
