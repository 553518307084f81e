package samples

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/vigil/backend/internal/core"
)

// Simulator generates synthetic sample windows without any backend. The
// stream is deterministic per (monitor, minute): reruns inside the same
// minute see identical windows, which keeps tests and local dev stable.
type Simulator struct {
	points int
	now    func() time.Time
}

// NewSimulator creates a simulator emitting 5 points per window.
func NewSimulator() *Simulator {
	return &Simulator{points: 5, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Simulator) SetClock(now func() time.Time) { s.now = now }

// Window implements Source with one synthetic point per minute, newest first.
func (s *Simulator) Window(_ context.Context, monitorID string, dur time.Duration, limit int) ([]core.Sample, error) {
	n := s.points
	if limit < n {
		n = limit
	}
	if max := int(dur / time.Minute); max < n {
		n = max
	}
	if n <= 0 {
		return []core.Sample{}, nil
	}

	now := s.now().UTC().Truncate(time.Minute)
	rng := rand.New(rand.NewSource(seed(monitorID, now)))

	window := make([]core.Sample, n)
	for i := 0; i < n; i++ {
		window[i] = core.Sample{
			MonitorID: monitorID,
			Time:      now.Add(-time.Duration(i) * time.Minute),
			Fields: map[string]float64{
				"value":         rng.Float64() * 100,
				"price":         40000 + rng.Float64()*30000,
				"response_time": 100 + rng.Float64()*1900,
			},
		}
	}
	return window, nil
}

func seed(monitorID string, t time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(monitorID))
	return int64(h.Sum64()) ^ t.Unix()
}
