package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is a process-local cache. Expired entries are ignored on read and
// reclaimed by Sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
	logger  *zap.Logger
}

// NewMemory creates an empty in-memory cache.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "cache")),
	}
}

// Get returns a copy of the live value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.Expired(m.now()) {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.Value...), nil
}

// Put stores a copy of value. A non-positive ttl never expires.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := Entry{Key: key, Value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.ExpiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Len counts stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep deletes expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept expired cache entries", zap.Int("removed", n))
			}
		}
	}
}
