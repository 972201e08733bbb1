package pool

import (
	"context"
	"time"

	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/types"
)

// PooledStore adapts a *Pool to kv.Store, so long-lived collaborators
// like internal/session.Manager and internal/sync.Coordinator can hold
// one Store handle while every call still round-trips through
// Pool.Execute — keeping the pool the sole mediator of Redis
// connections per §5, rather than each caller holding its own
// long-lived client.
type PooledStore struct {
	pool *Pool
	role types.ConnectionRole
}

// NewPooledStore wraps p for use as a kv.Store, preferring role for
// each acquisition (callers that only read may pass RoleRead).
func NewPooledStore(p *Pool, role types.ConnectionRole) *PooledStore {
	return &PooledStore{pool: p, role: role}
}

func (s *PooledStore) HSet(ctx context.Context, key string, values map[string]any) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.HSet(ctx, key, values)
	})
	return err
}

func (s *PooledStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (map[string]string, error) {
		return store.HGetAll(ctx, key)
	})
}

func (s *PooledStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (int64, error) {
		return store.HIncrBy(ctx, key, field, incr)
	})
}

func (s *PooledStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.ZAdd(ctx, key, score, member)
	})
	return err
}

func (s *PooledStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) ([]string, error) {
		return store.ZRange(ctx, key, start, stop)
	})
}

func (s *PooledStore) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) ([]string, error) {
		return store.ZRangeByScore(ctx, key, min, max)
	})
}

func (s *PooledStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.ZRemRangeByScore(ctx, key, min, max)
	})
	return err
}

func (s *PooledStore) ZCard(ctx context.Context, key string) (int64, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (int64, error) {
		return store.ZCard(ctx, key)
	})
}

func (s *PooledStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.Expire(ctx, key, ttl)
	})
	return err
}

func (s *PooledStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (time.Duration, error) {
		return store.TTL(ctx, key)
	})
}

func (s *PooledStore) Exists(ctx context.Context, key string) (bool, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (bool, error) {
		return store.Exists(ctx, key)
	})
}

func (s *PooledStore) Del(ctx context.Context, keys ...string) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.Del(ctx, keys...)
	})
	return err
}

func (s *PooledStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) ([]string, error) {
		return store.Keys(ctx, pattern)
	})
}

func (s *PooledStore) Ping(ctx context.Context) error {
	_, err := Execute(ctx, s.pool, s.role, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.Ping(ctx)
	})
	return err
}

func (s *PooledStore) Quit(ctx context.Context) error {
	return nil // the pool owns connection lifecycles; callers never close them individually
}
