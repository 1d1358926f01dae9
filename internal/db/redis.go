package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client and context for marketplace operations:
// click idempotency claims, daily impression counters and the short-lived
// allocation response cache.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// ClaimClick marks a click identifier as processed. Returns true when this
// call won the claim, false when the click was already seen within the TTL.
// SET NX makes the check-and-claim a single atomic operation.
func (r *RedisStore) ClaimClick(ctx context.Context, clickID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("click:%s", clickID)
	ok, err := r.Client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim click: %w", err)
	}
	return ok, nil
}

// ReleaseClick removes a click claim so the click can be retried after a
// storage failure that prevented any billing mutation.
func (r *RedisStore) ReleaseClick(ctx context.Context, clickID string) error {
	key := fmt.Sprintf("click:%s", clickID)
	if err := r.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release click: %w", err)
	}
	return nil
}

// IncrementImpressionCount increments the daily impression counter for a
// campaign/placement pair. A 24h TTL is applied on first set. Returns the
// current count.
func (r *RedisStore) IncrementImpressionCount(ctx context.Context, campaignID int, placement string) (int64, error) {
	key := fmt.Sprintf("impressions:%d:%s:%s", campaignID, placement, time.Now().Format("2006-01-02"))
	val, err := r.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		r.Client.Expire(ctx, key, 24*time.Hour)
	}
	return val, nil
}

// GetAllocationCache returns a cached allocation response body, or nil on a
// cache miss.
func (r *RedisStore) GetAllocationCache(ctx context.Context, key string) ([]byte, error) {
	val, err := r.Client.Get(ctx, "alloc:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("allocation cache get: %w", err)
	}
	return val, nil
}

// SetAllocationCache stores an allocation response body with the given TTL.
func (r *RedisStore) SetAllocationCache(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	if err := r.Client.Set(ctx, "alloc:"+key, body, ttl).Err(); err != nil {
		return fmt.Errorf("allocation cache set: %w", err)
	}
	return nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
