// Package locks implements the shared lock service: leased mutexes, class
// locks and a write-biased reader/writer lock, over Redis or process memory.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend is the atomic primitive set the lock manager is built on.
type Backend interface {
	// TryAcquire sets key to token with a lease when the key is free.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only when it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend renews the lease only when key still holds token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// --- Redis ---

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisBackend shares locks between operator processes through Redis.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, ttl).Result()
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}

func (b *RedisBackend) Decr(ctx context.Context, key string) (int64, error) {
	return b.client.Decr(ctx, key).Result()
}

// --- Memory ---

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryBackend is a single-process backend for tests and embedded setups.
type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	entries  map[string]memEntry
	counters map[string]int64
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:      time.Now,
		entries:  make(map[string]memEntry),
		counters: make(map[string]int64),
	}
}

func (b *MemoryBackend) live(key string) (memEntry, bool) {
	entry, ok := b.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !entry.expires.IsZero() && !b.now().Before(entry.expires) {
		delete(b.entries, key)
		return memEntry{}, false
	}
	return entry, true
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.live(key); held {
		return false, nil
	}
	b.entries[key] = memEntry{token: token, expires: b.expiry(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, held := b.live(key)
	if !held || entry.token != token {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBackend) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, held := b.live(key)
	if !held || entry.token != token {
		return false, nil
	}
	entry.expires = b.expiry(ttl)
	b.entries[key] = entry
	return true, nil
}

func (b *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key]++
	return b.counters[key], nil
}

func (b *MemoryBackend) Decr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key]--
	return b.counters[key], nil
}

// Held reports whether key is currently leased. Used by tests.
func (b *MemoryBackend) Held(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, held := b.live(key)
	return held
}
