package samples

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfluxSource_Window(t *testing.T) {
	newest := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)

	var gotAuth string
	var gotReq queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		rows := []map[string]interface{}{
			{"time": newest.Format(time.RFC3339Nano), "monitor_id": "mon_abc", "price": 51000.0, "symbol": "BTC"},
			{"time": newest.Add(-time.Minute).Format(time.RFC3339Nano), "monitor_id": "mon_abc", "price": 49000.0, "is_up": true},
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	src := NewInfluxSource(srv.URL, "tok123", "monitors")
	window, err := src.Window(context.Background(), "mon_abc", AlertWindow, AlertLimit)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "monitors", gotReq.Database)
	assert.Contains(t, gotReq.Query, "mon_abc")
	assert.Contains(t, gotReq.Query, "LIMIT 100")

	require.Len(t, window, 2)
	assert.Equal(t, newest, window[0].Time, "newest first")
	assert.Equal(t, 51000.0, window[0].Fields["price"])
	assert.Equal(t, "BTC", window[0].Tags["symbol"], "string columns become tags")
	assert.Equal(t, 1.0, window[1].Fields["is_up"], "booleans become 1/0")
}

func TestInfluxSource_ReordersOutOfOrderRows(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := []map[string]interface{}{
			{"time": base.Format(time.RFC3339Nano), "value": 1.0},
			{"time": base.Add(2 * time.Minute).Format(time.RFC3339Nano), "value": 3.0},
			{"time": base.Add(time.Minute).Format(time.RFC3339Nano), "value": 2.0},
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	window, err := NewInfluxSource(srv.URL, "", "monitors").Window(context.Background(), "mon_x", AlertWindow, AlertLimit)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, 3.0, window[0].Fields["value"])
	assert.Equal(t, 2.0, window[1].Fields["value"])
	assert.Equal(t, 1.0, window[2].Fields["value"])
}

func TestInfluxSource_EmptyWindowIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer srv.Close()

	window, err := NewInfluxSource(srv.URL, "", "monitors").Window(context.Background(), "mon_x", AlertWindow, AlertLimit)
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestInfluxSource_BackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewInfluxSource(srv.URL, "", "monitors").Window(context.Background(), "mon_x", AlertWindow, AlertLimit)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	// Unreachable host
	srv.Close()
	_, err = NewInfluxSource(srv.URL, "", "monitors").Window(context.Background(), "mon_x", AlertWindow, AlertLimit)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestInfluxSource_QueriesAreBounded(t *testing.T) {
	src := NewInfluxSource("http://influx:8181", "", "monitors")
	assert.Equal(t, queryTimeout, src.client.Timeout, "a hung backend must not stall the evaluation loop")
}

func TestSimulator_DeterministicWithinMinute(t *testing.T) {
	sim := NewSimulator()
	frozen := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	sim.SetClock(func() time.Time { return frozen })

	a, err := sim.Window(context.Background(), "mon_abc", AlertWindow, AlertLimit)
	require.NoError(t, err)
	b, err := sim.Window(context.Background(), "mon_abc", AlertWindow, AlertLimit)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same monitor and minute must yield identical windows")

	other, err := sim.Window(context.Background(), "mon_other", AlertWindow, AlertLimit)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Fields, other[0].Fields, "different monitors diverge")
}

func TestSimulator_RespectsLimitAndOrdering(t *testing.T) {
	sim := NewSimulator()

	window, err := sim.Window(context.Background(), "mon_abc", AlertWindow, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.True(t, window[0].Time.After(window[1].Time), "newest first")

	empty, err := sim.Window(context.Background(), "mon_abc", AlertWindow, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
