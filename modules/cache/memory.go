package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type item struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local Cache. Entries with a zero expiration never
// expire.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]item
	clock  clockwork.Clock
	prefix string
}

func NewMemory(clock clockwork.Clock, prefix string) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		items:  make(map[string]item),
		clock:  clock,
		prefix: prefix,
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[m.prefix+key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		m.mu.Lock()
		delete(m.items, m.prefix+key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	it := item{value: make([]byte, len(value))}
	copy(it.value, value)
	if expiration > 0 {
		it.expiresAt = m.clock.Now().Add(expiration)
	}

	m.mu.Lock()
	m.items[m.prefix+key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, m.prefix+key)
	m.mu.Unlock()
	return nil
}

// Keys lists live keys with the given prefix, without the cache prefix.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var out []string
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			continue
		}
		k = strings.TrimPrefix(k, m.prefix)
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	return nil
}
