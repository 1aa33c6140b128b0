package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMemorySize leaves the cache unbounded so live entries only leave
	// by expiry.
	DefaultMemorySize   = 0
	DefaultMemoryMaxTTL = 24 * time.Hour
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-process Cache backed by an expirable LRU. The LRU evicts
// everything older than maxTTL in the background; each entry additionally
// carries its own deadline which Get enforces.
type Memory[V any] struct {
	lru    *expirable.LRU[string, memoryEntry[V]]
	maxTTL time.Duration
	now    Clock
}

type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	size   int
	maxTTL time.Duration
	now    Clock
}

// WithSize bounds the number of live entries. Zero means unbounded.
func WithSize(size int) MemoryOption {
	return func(o *memoryOptions) {
		o.size = size
	}
}

// WithMaxTTL sets the longest lifetime any entry may have.
func WithMaxTTL(ttl time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.maxTTL = ttl
	}
}

// WithClock overrides the clock used for per-entry deadlines.
func WithClock(now Clock) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// NewMemory creates an empty in-memory cache.
func NewMemory[V any](opts ...MemoryOption) *Memory[V] {
	o := memoryOptions{
		size:   DefaultMemorySize,
		maxTTL: DefaultMemoryMaxTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Memory[V]{
		lru:    expirable.NewLRU[string, memoryEntry[V]](o.size, nil, o.maxTTL),
		maxTTL: o.maxTTL,
		now:    o.now,
	}
}

// Set stores value under key. A ttl longer than the cache's maximum is
// clamped to the maximum; a non-positive ttl stores nothing.
func (m *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		m.lru.Remove(key)
		return nil
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	m.lru.Add(key, memoryEntry[V]{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V

	entry, ok := m.lru.Get(key)
	if !ok {
		return zero, false, nil
	}

	if !m.now().Before(entry.expiresAt) {
		m.lru.Remove(key)
		return zero, false, nil
	}

	return entry.value, true, nil
}

// Len reports the number of entries currently held, including ones whose
// deadline passed but that have not been evicted yet.
func (m *Memory[V]) Len() int {
	return m.lru.Len()
}

var _ Cache[string] = (*Memory[string])(nil)
