// Package store abstracts the shared key-value index behind the
// {get, set_with_ttl, delete, set_if_not_exists} capability spec.md §9
// requires. Two implementations — an in-process mutex-guarded map and a
// thin Redis adapter — are interchangeable by configuration only.
package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared KV capability the session manager and coordinator
// depend on. All keys are plain strings; TTLs are best-effort in the
// in-process implementation and authoritative in the Redis one.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX sets key to value only if it does not already exist, returning
	// true if this call performed the set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// MemStore is the single-process Store backing "single-worker mode" when no
// Redis is configured. A background sweeper elsewhere is responsible for
// expiring sessions; MemStore itself also lazily evicts on read so a stale
// entry is never returned even if the sweeper hasn't run yet.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemStore constructs an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]memEntry)}
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && time.Now().Before(e.expires) {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

// Keys returns a snapshot of all live (non-expired) keys, used by the
// background sweeper to scan in-memory session entries when no shared KV
// store is configured.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if now.Before(e.expires) {
			keys = append(keys, k)
		}
	}
	return keys
}

// RedisStore adapts go-redis to the Store interface for distributed,
// multi-worker deployments.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis with the short timeouts the rest of the system
// uses for KV operations (spec.md §5: "KV store: short (<=2s)").
func NewRedisStore(ctx context.Context, host string, port int, password string) (*RedisStore, error) {
	addr := host
	if port != 0 {
		addr = host + ":" + strconv.Itoa(port)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: rdb}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}
