// Package alerts runs the periodic evaluation loop: every tick it loads the
// active rules, pulls each rule's sample window, evaluates the condition and
// turns matches into durable alerts fanned out through the dispatcher.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vigil/backend/internal/cooldown"
	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/metrics"
	"github.com/vigil/backend/internal/rules"
	"github.com/vigil/backend/internal/samples"
	"github.com/vigil/backend/internal/store"
)

// DefaultInterval between evaluation ticks.
const DefaultInterval = 30 * time.Second

// maxTriggerSamples caps the window snapshot stored with an alert.
const maxTriggerSamples = 3

// tickTimeout is the hard deadline on one evaluation pass. Shutdown is
// honored between ticks only, so this also bounds how long an in-flight
// pass can hold up process exit.
const tickTimeout = 30 * time.Second

// RuleSource is the slice of the relational store the engine reads and
// writes.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]*core.AlertRule, error)
	GetMonitor(ctx context.Context, monitorID string) (*core.Monitor, error)
	CreateAlert(ctx context.Context, alert *core.Alert) error
}

// Notifier delivers a created alert. Delivery failures are the notifier's
// problem; the alert row already exists when Dispatch is called.
type Notifier interface {
	Dispatch(ctx context.Context, alert *core.Alert, monitor *core.Monitor) error
}

// Engine evaluates alert rules on a fixed cadence.
type Engine struct {
	rules    RuleSource
	window   samples.Source
	cooldown cooldown.Store
	notifier Notifier
	metrics  *metrics.Metrics
	interval time.Duration

	now func() time.Time
}

// NewEngine builds an engine. interval <= 0 falls back to DefaultInterval;
// metrics may be nil.
func NewEngine(rs RuleSource, window samples.Source, cd cooldown.Store, notifier Notifier, m *metrics.Metrics, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		rules:    rs,
		window:   window,
		cooldown: cd,
		notifier: notifier,
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick duration is subtracted from the
// interval so slow ticks do not stretch the cadence; a tick running longer
// than the interval is followed immediately by the next one.
//
// Cancellation is checked between ticks only: an in-flight pass, including
// its delivery calls, runs to completion on a detached context bounded by
// tickTimeout, so alerts fired during shutdown still get their delivery
// record written.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("alert engine started", "interval", e.interval)
	for {
		start := e.now()
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
		e.Tick(tickCtx)
		cancel()

		sleep := e.interval - e.now().Sub(start)
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("alert engine stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick runs one full evaluation pass. Rules are evaluated sequentially; a
// failing rule is logged and skipped so the rest of the pass completes.
func (e *Engine) Tick(ctx context.Context) {
	start := e.now()

	active, err := e.rules.ListActiveRules(ctx)
	if err != nil {
		slog.Error("failed to load active rules", "error", err)
		return
	}

	for _, rule := range active {
		if ctx.Err() != nil {
			return
		}
		if err := e.evaluateRule(ctx, rule); err != nil {
			slog.Error("rule evaluation failed", "rule_id", rule.ID, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.RecordTick(e.now().Sub(start).Seconds(), len(active))
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule *core.AlertRule) error {
	// Cooldown checks fail open: a broken cooldown backend must never
	// silence alerting.
	cooling, err := e.cooldown.Exists(ctx, cooldown.Key(rule.ID))
	if err != nil {
		slog.Warn("cooldown check failed, evaluating anyway", "rule_id", rule.ID, "error", err)
	} else if cooling {
		if e.metrics != nil {
			e.metrics.CooldownSuppressed.Inc()
		}
		return nil
	}

	window, err := e.window.Window(ctx, rule.MonitorID, samples.AlertWindow, samples.AlertLimit)
	if err != nil {
		return err
	}

	if !rules.Evaluate(rule.Condition, window) {
		return nil
	}
	return e.fire(ctx, rule, window)
}

// fire creates the alert row, arms the cooldown and dispatches notifications,
// in that order. A dispatch failure leaves the alert in place; the delivery
// record tells the story.
func (e *Engine) fire(ctx context.Context, rule *core.AlertRule, window []core.Sample) error {
	trigger := window
	if len(trigger) > maxTriggerSamples {
		trigger = trigger[:maxTriggerSamples]
	}

	alert := &core.Alert{
		ID:        core.NewID("alert"),
		RuleID:    rule.ID,
		MonitorID: rule.MonitorID,
		UserID:    rule.UserID,
		Severity:  rule.Severity,
		Title:     rule.Title,
		Data: core.AlertData{
			Condition:   rule.Condition,
			TriggerData: trigger,
		},
		Status:    core.AlertPending,
		CreatedAt: e.now().UTC(),
	}

	if err := e.rules.CreateAlert(ctx, alert); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Monitor deleted between listing and firing.
			slog.Warn("monitor gone, dropping alert", "rule_id", rule.ID, "monitor_id", rule.MonitorID)
			return nil
		}
		return err
	}
	slog.Info("alert fired", "alert_id", alert.ID, "rule_id", rule.ID, "severity", alert.Severity)
	if e.metrics != nil {
		e.metrics.RecordAlert(alert.Severity)
	}

	if rule.CooldownMinutes > 0 {
		ttl := time.Duration(rule.CooldownMinutes) * time.Minute
		if err := e.cooldown.Set(ctx, cooldown.Key(rule.ID), ttl); err != nil {
			slog.Warn("failed to arm cooldown", "rule_id", rule.ID, "error", err)
		}
	}

	monitor, err := e.rules.GetMonitor(ctx, rule.MonitorID)
	if err != nil {
		slog.Error("failed to load monitor for dispatch", "alert_id", alert.ID, "error", err)
		return nil
	}
	if err := e.notifier.Dispatch(ctx, alert, monitor); err != nil {
		slog.Error("alert dispatch failed", "alert_id", alert.ID, "error", err)
	}
	return nil
}
