// Package samples exposes the one read path the alert engine depends on:
// a bounded, newest-first window of recent samples for a monitor. Two
// implementations satisfy Source — the InfluxDB backend and a deterministic
// simulator — selected by configuration so tests can pin behavior.
package samples

import (
	"context"
	"errors"
	"time"

	"github.com/vigil/backend/internal/core"
)

// ErrBackendUnavailable marks a transient sample-store failure. The result is
// never partial: callers get either the full window or this error.
var ErrBackendUnavailable = errors.New("samples: backend unavailable")

// Window parameters used by the alert evaluation path.
const (
	AlertWindow = 5 * time.Minute
	AlertLimit  = 100
)

// Source returns at most limit samples for monitorID whose timestamps lie in
// [now-dur, now], ordered strictly by time descending. An empty slice is a
// valid non-error result.
type Source interface {
	Window(ctx context.Context, monitorID string, dur time.Duration, limit int) ([]core.Sample, error)
}
