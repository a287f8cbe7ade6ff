package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flags is the coordination surface a sweep needs: an advisory lock so only
// one instance sweeps at a time, and once-only markers for expiry notices.
type Flags interface {
	// AcquireSweep takes the sweep lock for ttl. False means another
	// instance holds it and this sweep should be skipped.
	AcquireSweep(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseSweep(ctx context.Context) error

	// MarkNotified records a notification key, returning true the first
	// time. The ttl lets the marker outlive the notice window.
	MarkNotified(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const sweepLockKey = "sweep:lock"

type RedisFlags struct {
	client *redis.Client
}

func NewRedisFlags(client *redis.Client) *RedisFlags {
	return &RedisFlags{client: client}
}

func (f *RedisFlags) AcquireSweep(ctx context.Context, ttl time.Duration) (bool, error) {
	return f.client.SetNX(ctx, sweepLockKey, "1", ttl).Result()
}

func (f *RedisFlags) ReleaseSweep(ctx context.Context) error {
	return f.client.Del(ctx, sweepLockKey).Err()
}

func (f *RedisFlags) MarkNotified(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return f.client.SetNX(ctx, "notified:"+key, "1", ttl).Result()
}

// MemoryFlags backs tests without redis.
type MemoryFlags struct {
	mu     sync.Mutex
	locked bool
	marks  map[string]bool
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{marks: make(map[string]bool)}
}

func (f *MemoryFlags) AcquireSweep(_ context.Context, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return false, nil
	}
	f.locked = true
	return true, nil
}

func (f *MemoryFlags) ReleaseSweep(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	return nil
}

func (f *MemoryFlags) MarkNotified(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marks[key] {
		return false, nil
	}
	f.marks[key] = true
	return true, nil
}
