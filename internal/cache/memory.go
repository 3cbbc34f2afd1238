package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a bounded in-process cache. The least recently used entry is
// dropped when full.
type Memory struct {
	entries *expirable.LRU[string, memoryEntry]
	now     func() time.Time
}

// NewMemory returns a cache holding at most size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	// Per-entry expiry is tracked in memoryEntry; the LRU itself never expires.
	return &Memory{
		entries: expirable.NewLRU[string, memoryEntry](size, nil, 0),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *Memory) Close() error {
	m.entries.Purge()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	return m.entries.Len()
}
