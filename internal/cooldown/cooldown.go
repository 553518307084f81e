// Package cooldown provides the short-TTL marker store that debounces alert
// firings. The contract is deliberately tiny: Set writes a marker with a TTL,
// Exists probes it. The alert engine fails open when this store is down —
// duplicate alerts beat silent ones.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Store is the cooldown marker contract. Keys take the form
// "alert_cooldown:<rule_id>".
type Store interface {
	Set(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// Key builds the cooldown key for a rule.
func Key(ruleID string) string {
	return "alert_cooldown:" + ruleID
}

// MemoryStore is an in-process Store used in tests and as a fallback when no
// Redis URL is configured. TTLs are enforced lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory cooldown store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{expires: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) Set(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.expires[key]
	if !ok {
		return false, nil
	}
	if m.now().After(deadline) {
		delete(m.expires, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }
