// Package kv wraps the external key/value + pub/sub store (§6) the rest
// of the substrate is built on: Redis for hashes/sorted-sets/TTLs, NATS
// for pub/sub. Nothing outside internal/pool is allowed to dial Redis
// directly — components go through the Store interface so the
// ConnectionPool remains the sole mediator (§5).
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the key/value contract external collaborators must satisfy
// (§6); it has no publish/subscribe methods, which live on PubSub. A
// *redis.Client satisfies it through RedisStore.
type Store interface {
	HSet(ctx context.Context, key string, values map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error
	ZCard(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Quit(ctx context.Context) error
}

// RedisStore adapts *redis.Client to Store, grounded on
// daemon/redis_wisp_store.go's client-construction + ping-on-connect
// pattern, generalized past a single "wisp" namespace.
type RedisStore struct {
	client *redis.Client
}

// Connect dials redisURL and verifies connectivity with a ping, the way
// NewRedisWispStore does before returning.
func Connect(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStore wraps an already-constructed client, used by the pool
// when it owns client lifecycles directly.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.client.HSet(ctx, key, values).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, incr).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.ZRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return s.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Quit(ctx context.Context) error {
	return s.client.Close()
}

// Client exposes the underlying *redis.Client for the pool's health
// checks, which probe the driver directly rather than through Store.
func (s *RedisStore) Client() *redis.Client { return s.client }
