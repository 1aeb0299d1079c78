package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local Cache used for single-node runs and tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]*entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*entry), now: time.Now}
}

// SetClock replaces the time source used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TTL reports the remaining lifetime of key, or zero when it has none or is absent.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(m.now())
}

func (m *Memory) lookup(key string) *entry {
	e, ok := m.items[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return nil
	}
	return e
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &entry{value: slices.Clone(value), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.value == nil {
		return nil, ErrMiss
	}
	return slices.Clone(e.value), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) PushCapped(_ context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		e = &entry{}
		m.items[key] = e
	}
	e.list = append([][]byte{slices.Clone(value)}, e.list...)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		e.list = e.list[:maxLen]
	}
	if ttl > 0 {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *Memory) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return [][]byte{}, nil
	}

	// Same index rules as LRANGE: negative offsets count from the tail.
	n := int64(len(e.list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return [][]byte{}, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		out = append(out, slices.Clone(v))
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
