package freqcap

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "freqcap:"

// RedisSessionStore keeps session state in Redis with the TTL handled by the
// server, so abandoned sessions clean themselves up.
type RedisSessionStore struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, ctx: context.Background()}
}

func (s *RedisSessionStore) Get(sessionID string) ([]byte, error) {
	data, err := s.client.Get(s.ctx, redisKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisSessionStore) Set(sessionID string, data []byte, ttl time.Duration) error {
	return s.client.Set(s.ctx, redisKeyPrefix+sessionID, data, ttl).Err()
}

func (s *RedisSessionStore) Clear(sessionID string) error {
	return s.client.Del(s.ctx, redisKeyPrefix+sessionID).Err()
}

// MemorySessionStore is an in-process SessionStore for tests and local
// development. Expiry is checked lazily on read.
type MemorySessionStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemorySessionStore) Get(sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, sessionID)
		return nil, nil
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (s *MemorySessionStore) Set(sessionID string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries[sessionID] = memoryEntry{data: cp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Clear(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}
