package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// Counter is implemented by cache backends that can perform atomic integer
// increments with an associated expiry. It backs the quota counters
// (rl:<token>:<window-bucket>, spend:<token>:<period>) and the breaker
// failure counters (breaker:<token>:<upstream>), both of which require
// cross-process-consistent monotonic increments.
type Counter interface {
	// Incr adds delta to the counter stored at key, creating it with the
	// given ttl if absent, and returns the post-increment value. When the
	// key already exists its ttl is left untouched, so a window's expiry
	// anchors to its first increment.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current value of the counter, or zero if absent.
	Get(ctx context.Context, key string) (int64, error)
}

// memoryCounter backs the in-process cache's atomic counter support.
type memoryCounter struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{values: make(map[string]int64), expires: make(map[string]time.Time)}
}

func (m *memoryCounter) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	m.values[key] += delta
	if _, anchored := m.expires[key]; !anchored && ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return m.values[key], nil
}

func (m *memoryCounter) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	return m.values[key], nil
}

func (m *memoryCounter) evictLocked(key string) {
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
	}
}

// Incr implements Counter for the in-process cache backend.
func (c *memoryCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return c.counters().Incr(ctx, key, delta, ttl)
}

// Get implements Counter for the in-process cache backend.
func (c *memoryCache) Get(ctx context.Context, key string) (int64, error) {
	return c.counters().Get(ctx, key)
}

func (c *memoryCache) counters() *memoryCounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter == nil {
		c.counter = newMemoryCounter()
	}
	return c.counter
}

// Incr implements Counter against the shared valkey-backed tier using
// INCRBY + EXPIRE NX so the ttl anchors to the first increment only,
// matching the fixed-window semantics C5 requires.
func (c *redisCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Incrby().Key(key).Increment(delta).Build())
	value, err := resp.ToInt64()
	if err != nil {
		return 0, err
	}
	if value == delta && ttl > 0 {
		// first writer for this key anchors the expiry
		_ = c.client.Do(ctx, c.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Nx().Build()).Error()
	}
	return value, nil
}

// Get implements Counter against the shared valkey-backed tier.
func (c *redisCache) Get(ctx context.Context, key string) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if isNilErr(err) {
			return 0, nil
		}
		return 0, err
	}
	return resp.ToInt64()
}

func isNilErr(err error) bool {
	return errors.Is(err, valkey.Nil)
}
