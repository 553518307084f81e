package workload

import (
	"context"
	"log/slog"
	"time"

	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/metrics"
)

// Directory is the slice of the relational store the reconciler needs.
type Directory interface {
	ListDeployedMonitors(ctx context.Context) ([]*core.Monitor, error)
	UpdateMonitorStatus(ctx context.Context, monitorID, status string) error
	UpdateMonitorDeployment(ctx context.Context, monitorID, workloadID, status string) error
	GetSecretsByIDs(ctx context.Context, userID string, ids []string) (map[string]*core.Secret, error)
}

// Decrypter opens sealed secret values for redeployment.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Reconciler periodically compares monitor rows against their workloads and
// repairs drift: a running monitor whose workload vanished is marked error,
// an errored monitor gets its workload re-applied, and a deploying monitor
// whose replicas came up is promoted to running.
type Reconciler struct {
	dir      Directory
	mgr      *Manager
	vault    Decrypter
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewReconciler builds a reconciler sweeping every interval; m may be nil.
func NewReconciler(dir Directory, mgr *Manager, vault Decrypter, interval time.Duration, m *metrics.Metrics) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{dir: dir, mgr: mgr, vault: vault, metrics: m, interval: interval}
}

// Run sweeps until ctx is cancelled. Per-monitor failures are logged and
// skipped so one bad row cannot stall the sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("workload reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("workload reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	monitors, err := r.dir.ListDeployedMonitors(ctx)
	if err != nil {
		slog.Error("reconcile: failed to list monitors", "error", err)
		return
	}

	for _, m := range monitors {
		if err := r.reconcile(ctx, m); err != nil {
			slog.Error("reconcile: monitor failed", "monitor_id", m.ID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}

	if r.metrics != nil {
		r.metrics.RecordSweep()
	}
}

func (r *Reconciler) reconcile(ctx context.Context, m *core.Monitor) error {
	if m.WorkloadID == "" {
		// The initial apply failed before a handle was recorded; only
		// errored rows reach the sweep without one.
		return r.redeploy(ctx, m)
	}

	st, err := r.mgr.Status(ctx, m.WorkloadID)
	if err != nil {
		return err
	}

	switch {
	case st.Status == StatusNotFound:
		// Workload vanished out from under the row.
		if m.Status != core.MonitorError {
			slog.Warn("reconcile: workload missing", "monitor_id", m.ID, "workload", m.WorkloadID)
			return r.dir.UpdateMonitorStatus(ctx, m.ID, core.MonitorError)
		}
		return r.redeploy(ctx, m)

	case m.Status == core.MonitorError:
		return r.redeploy(ctx, m)

	case st.Status == StatusRunning && m.Status == core.MonitorDeploying:
		slog.Info("reconcile: monitor is up", "monitor_id", m.ID)
		return r.dir.UpdateMonitorStatus(ctx, m.ID, core.MonitorRunning)

	case st.Status == StatusStarting && m.Status == core.MonitorRunning:
		// Replicas fell below desired after having been up.
		slog.Warn("reconcile: monitor degraded", "monitor_id", m.ID,
			"ready", st.ReadyReplicas, "desired", st.TotalReplicas)
		return r.dir.UpdateMonitorStatus(ctx, m.ID, core.MonitorDeploying)
	}
	return nil
}

// redeploy re-applies the workload for an errored monitor, decrypting its
// secret material fresh from the store.
func (r *Reconciler) redeploy(ctx context.Context, m *core.Monitor) error {
	plaintext, err := r.resolveSecrets(ctx, m)
	if err != nil {
		return err
	}

	workloadID, err := r.mgr.Apply(ctx, m, plaintext)
	if err != nil {
		return r.dir.UpdateMonitorStatus(ctx, m.ID, core.MonitorError)
	}
	slog.Info("reconcile: redeployed monitor", "monitor_id", m.ID, "workload", workloadID)
	return r.dir.UpdateMonitorDeployment(ctx, m.ID, workloadID, core.MonitorDeploying)
}

func (r *Reconciler) resolveSecrets(ctx context.Context, m *core.Monitor) (map[string]string, error) {
	if len(m.SecretRefs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(m.SecretRefs))
	for _, id := range m.SecretRefs {
		ids = append(ids, id)
	}
	rows, err := r.dir.GetSecretsByIDs(ctx, m.UserID, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(m.SecretRefs))
	for name, id := range m.SecretRefs {
		row, ok := rows[id]
		if !ok {
			continue
		}
		value, err := r.vault.Decrypt(row.EncryptedValue)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}
