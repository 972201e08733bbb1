package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client)
}

func TestRedisStoreHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.HSet(ctx, "session:1", map[string]any{"state": "working", "eventCount": 1}))
	vals, err := s.HGetAll(ctx, "session:1")
	require.NoError(t, err)
	require.Equal(t, "working", vals["state"])

	n, err := s.HIncrBy(ctx, "session:1", "eventCount", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRedisStoreSortedSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ZAdd(ctx, "events:1", 1, "e1"))
	require.NoError(t, s.ZAdd(ctx, "events:1", 2, "e2"))
	require.NoError(t, s.ZAdd(ctx, "events:1", 3, "e3"))

	members, err := s.ZRange(ctx, "events:1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"e1", "e2", "e3"}, members)

	card, err := s.ZCard(ctx, "events:1")
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	require.NoError(t, s.ZRemRangeByScore(ctx, "events:1", "1", "1"))
	members, err = s.ZRange(ctx, "events:1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"e2", "e3"}, members)
}

func TestRedisStoreTTLAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.HSet(ctx, "session:2", map[string]any{"state": "working"}))
	ok, err := s.Exists(ctx, "session:2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Expire(ctx, "session:2", time.Hour))
	ttl, err := s.TTL(ctx, "session:2")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Del(ctx, "session:2"))
	ok, err = s.Exists(ctx, "session:2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStorePing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
