// Package kvstore holds small expiring counters and flags shared by the
// HTTP tier and the worker.
package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a string key/value store with per-key expiry.
type Store interface {
	// Get reports ok=false for missing or expired keys.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr adds one to key. The ttl is applied when the key is created and
	// the remaining lifetime is returned.
	Incr(ctx context.Context, key string, ttl time.Duration) (n int64, remaining time.Duration, err error)
}

type entry struct {
	value   string
	count   int64
	expires time.Time
}

// Memory is a process-local Store. Expired keys are evicted lazily and on
// a periodic sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	sweeps  int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry), now: time.Now}
}

func (m *Memory) live(key string, now time.Time) (*entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

// sweep drops expired keys every 1024 writes so abandoned keys do not pile up.
func (m *Memory) sweep(now time.Time) {
	m.sweeps++
	if m.sweeps%1024 != 0 {
		return
	}
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, m.now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	e := &entry{value: value}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	e, ok := m.live(key, now)
	if !ok {
		e = &entry{}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.count++
	var remaining time.Duration
	if !e.expires.IsZero() {
		remaining = e.expires.Sub(now)
	}
	return e.count, remaining, nil
}

// Redis is a Store shared between processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps client; every key is namespaced with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Incr runs INCR and EXPIRE NX in one transaction so a crash between them
// cannot leave a counter without expiry.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	k := r.prefix + key
	var (
		incr *redis.IntCmd
		left *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		if ttl > 0 {
			p.ExpireNX(ctx, k, ttl)
		}
		left = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	remaining := left.Val()
	if remaining < 0 {
		remaining = 0
	}
	return incr.Val(), remaining, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
