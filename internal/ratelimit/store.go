package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCounterStore is a per-process CounterStore. Each key holds a count
// and the wall-clock time its window resets; the window is anchored at the
// first request after a reset, not at a global boundary.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

func (s *MemoryCounterStore) Incr(key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Purge drops expired entries so the map does not grow with every client
// ever seen.
func (s *MemoryCounterStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.resetAt) {
			delete(s.entries, key)
		}
	}
}

// StartPurge purges on an interval until ctx is cancelled.
func (s *MemoryCounterStore) StartPurge(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Purge()
			}
		}
	}()
}

// Len reports the number of tracked keys, expired or not.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

const redisKeyPrefix = "ratelimit:"

// RedisCounterStore shares window counters across nodes. The TTL is set on
// the first increment of a window and Redis expiry handles the rollover.
type RedisCounterStore struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, ctx: context.Background()}
}

func (s *RedisCounterStore) Incr(key string, window time.Duration) (int, error) {
	rkey := redisKeyPrefix + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(s.ctx, rkey)
	pipe.ExpireNX(s.ctx, rkey, window)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}
