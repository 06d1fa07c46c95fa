package eventsub

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"solana-fastpath/internal/clock"
)

// Deduper remembers delivered event keys.
type Deduper interface {
	// Seen marks key and reports whether it was already marked.
	Seen(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper keeps keys in process memory for ttl.
type MemoryDeduper struct {
	clock clock.Clock
	ttl   time.Duration

	mu        sync.Mutex
	entries   map[string]time.Time // key -> expiry
	lastPurge time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(c clock.Clock, ttl time.Duration) *MemoryDeduper {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryDeduper{
		clock:     c,
		ttl:       ttl,
		entries:   make(map[string]time.Time),
		lastPurge: c.Now(),
	}
}

// Seen implements Deduper.
func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastPurge) >= d.ttl {
		for k, exp := range d.entries {
			if !now.Before(exp) {
				delete(d.entries, k)
			}
		}
		d.lastPurge = now
	}

	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.entries[key] = now.Add(d.ttl)
	return false, nil
}

// Len returns the number of remembered keys, expired ones included until purged.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// RedisDeduper shares seen keys across processes with SETNX.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper storing keys as prefix+key with ttl.
func NewRedisDeduper(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "fastpath:event:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Seen implements Deduper.
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
