package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil/backend/internal/cooldown"
	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/samples"
	"github.com/vigil/backend/internal/store"
)

type fakeRuleSource struct {
	rules          []*core.AlertRule
	monitors       map[string]*core.Monitor
	created        []*core.Alert
	createAlertErr error
}

func (f *fakeRuleSource) ListActiveRules(ctx context.Context) ([]*core.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeRuleSource) GetMonitor(ctx context.Context, monitorID string) (*core.Monitor, error) {
	m, ok := f.monitors[monitorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeRuleSource) CreateAlert(ctx context.Context, alert *core.Alert) error {
	if f.createAlertErr != nil {
		return f.createAlertErr
	}
	f.created = append(f.created, alert)
	return nil
}

type fakeSource struct {
	window []core.Sample
	err    error
}

func (f *fakeSource) Window(ctx context.Context, monitorID string, _ time.Duration, _ int) ([]core.Sample, error) {
	return f.window, f.err
}

type fakeNotifier struct {
	dispatched []*core.Alert
}

func (f *fakeNotifier) Dispatch(ctx context.Context, alert *core.Alert, monitor *core.Monitor) error {
	f.dispatched = append(f.dispatched, alert)
	return nil
}

// blockingNotifier parks inside Dispatch until released, recording the state
// of the dispatch context on the way out.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *blockingNotifier) Dispatch(ctx context.Context, alert *core.Alert, monitor *core.Monitor) error {
	close(b.entered)
	<-b.release
	b.ctxErr = ctx.Err()
	return nil
}

type failingCooldown struct{}

func (failingCooldown) Set(context.Context, string, time.Duration) error { return nil }
func (failingCooldown) Exists(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingCooldown) Ping(context.Context) error { return errors.New("redis down") }

func testRule(cooldownMinutes int) *core.AlertRule {
	return &core.AlertRule{
		ID:        "rule_12345678",
		MonitorID: "mon_12345678",
		UserID:    "usr_12345678",
		Title:     "BTC above 50k",
		Condition: core.Condition{
			Type: "threshold", Field: "price", Operator: ">", Value: 50000,
		},
		Severity:        core.SeverityHigh,
		CooldownMinutes: cooldownMinutes,
		IsActive:        true,
	}
}

func window(prices ...float64) []core.Sample {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	out := make([]core.Sample, len(prices))
	for i, p := range prices {
		out[i] = core.Sample{
			MonitorID: "mon_12345678",
			Time:      now.Add(-time.Duration(i) * time.Minute),
			Fields:    map[string]float64{"price": p},
		}
	}
	return out
}

func TestTick_FiresAndArmsCooldown(t *testing.T) {
	rs := &fakeRuleSource{
		rules:    []*core.AlertRule{testRule(5)},
		monitors: map[string]*core.Monitor{"mon_12345678": {ID: "mon_12345678", Name: "BTC price"}},
	}
	src := &fakeSource{window: window(51000, 50500, 50200, 50100)}
	cd := cooldown.NewMemoryStore()
	notifier := &fakeNotifier{}

	e := NewEngine(rs, src, cd, notifier, nil, time.Second)
	e.Tick(context.Background())

	require.Len(t, rs.created, 1)
	alert := rs.created[0]
	assert.True(t, strings.HasPrefix(alert.ID, "alert_"))
	assert.Equal(t, "rule_12345678", alert.RuleID)
	assert.Equal(t, core.SeverityHigh, alert.Severity)
	assert.Equal(t, core.AlertPending, alert.Status)
	assert.Len(t, alert.Data.TriggerData, 3, "only the first 3 samples are snapshotted")
	assert.Equal(t, 51000.0, alert.Data.TriggerData[0].Fields["price"])
	assert.Equal(t, alert.Data.Condition, testRule(5).Condition)

	require.Len(t, notifier.dispatched, 1)
	assert.Same(t, alert, notifier.dispatched[0])

	cooling, err := cd.Exists(context.Background(), cooldown.Key("rule_12345678"))
	require.NoError(t, err)
	assert.True(t, cooling)

	// Second tick inside the cooldown window fires nothing.
	e.Tick(context.Background())
	assert.Len(t, rs.created, 1)
}

func TestTick_ZeroCooldownFiresEveryTick(t *testing.T) {
	rs := &fakeRuleSource{
		rules:    []*core.AlertRule{testRule(0)},
		monitors: map[string]*core.Monitor{"mon_12345678": {ID: "mon_12345678"}},
	}
	src := &fakeSource{window: window(60000)}
	e := NewEngine(rs, src, cooldown.NewMemoryStore(), &fakeNotifier{}, nil, time.Second)

	e.Tick(context.Background())
	e.Tick(context.Background())
	assert.Len(t, rs.created, 2)
}

func TestTick_ConditionNotMetFiresNothing(t *testing.T) {
	rs := &fakeRuleSource{rules: []*core.AlertRule{testRule(5)}}
	src := &fakeSource{window: window(49000, 48000)}
	e := NewEngine(rs, src, cooldown.NewMemoryStore(), &fakeNotifier{}, nil, time.Second)

	e.Tick(context.Background())
	assert.Empty(t, rs.created)
}

func TestTick_CooldownBackendFailureFailsOpen(t *testing.T) {
	rs := &fakeRuleSource{
		rules:    []*core.AlertRule{testRule(5)},
		monitors: map[string]*core.Monitor{"mon_12345678": {ID: "mon_12345678"}},
	}
	src := &fakeSource{window: window(60000)}
	e := NewEngine(rs, src, failingCooldown{}, &fakeNotifier{}, nil, time.Second)

	e.Tick(context.Background())
	assert.Len(t, rs.created, 1, "broken cooldown backend must not silence alerting")
}

func TestTick_WindowErrorSkipsRule(t *testing.T) {
	rs := &fakeRuleSource{rules: []*core.AlertRule{testRule(5)}}
	src := &fakeSource{err: samples.ErrBackendUnavailable}
	e := NewEngine(rs, src, cooldown.NewMemoryStore(), &fakeNotifier{}, nil, time.Second)

	e.Tick(context.Background())
	assert.Empty(t, rs.created)
}

func TestTick_MonitorDeletedBetweenListAndFire(t *testing.T) {
	rs := &fakeRuleSource{
		rules:          []*core.AlertRule{testRule(5)},
		createAlertErr: store.ErrNotFound,
	}
	src := &fakeSource{window: window(60000)}
	notifier := &fakeNotifier{}
	e := NewEngine(rs, src, cooldown.NewMemoryStore(), notifier, nil, time.Second)

	e.Tick(context.Background())
	assert.Empty(t, rs.created)
	assert.Empty(t, notifier.dispatched)
}

func TestRun_FinishesInFlightTickOnCancel(t *testing.T) {
	rs := &fakeRuleSource{
		rules:    []*core.AlertRule{testRule(0)},
		monitors: map[string]*core.Monitor{"mon_12345678": {ID: "mon_12345678"}},
	}
	src := &fakeSource{window: window(60000)}
	n := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(rs, src, cooldown.NewMemoryStore(), n, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Cancel while the tick is parked inside Dispatch, then let it finish.
	<-n.entered
	cancel()
	close(n.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	require.Len(t, rs.created, 1)
	assert.NoError(t, n.ctxErr, "in-flight dispatch must outlive the shutdown signal")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	rs := &fakeRuleSource{}
	e := NewEngine(rs, &fakeSource{}, cooldown.NewMemoryStore(), &fakeNotifier{}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
