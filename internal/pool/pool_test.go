package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg config.PoolConfig) *Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := New(context.Background(), "redis://"+mr.Addr(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestPoolOpensMinConnections(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 3, MaxConnections: 5, AcquireTimeout: time.Second})
	stats := p.Stats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.Available)
}

func TestPoolAcquireReleaseReusesConnection(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Second})

	conn, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.NoError(t, err)
	require.True(t, conn.InUse)

	p.Release(conn)
	require.Equal(t, 1, p.Stats().Available)

	conn2, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.NoError(t, err)
	require.Equal(t, conn.ID, conn2.ID)
}

func TestPoolNeverExceedsMaxConnections(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 2, AcquireTimeout: 200 * time.Millisecond})

	c1, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c2.ID)
	require.LessOrEqual(t, p.Stats().Total, 2)

	_, err = p.Acquire(context.Background(), types.RoleReadWrite)
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrAcquireTimeout, code)
}

func TestPoolConcurrentAcquiresNeverExceedMaxConnections(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 0, MaxConnections: 3, AcquireTimeout: 200 * time.Millisecond})

	const attempts = 8
	results := make(chan *types.PooledConnection, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background(), types.RoleReadWrite)
			if err == nil {
				results <- conn
			} else {
				results <- nil
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for conn := range results {
		if conn == nil {
			continue
		}
		seen[conn.ID] = true
	}
	require.LessOrEqual(t, len(seen), 3)
	require.LessOrEqual(t, p.Stats().Total, 3)
}

func TestPoolQueuedAcquireSucceedsAfterRelease(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 100 * time.Millisecond})

	conn, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), types.RoleReadWrite)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(conn)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never resolved after release")
	}
}

func TestExecuteRunsAgainstStore(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Second})

	_, err := Execute(context.Background(), p, types.RoleReadWrite, func(ctx context.Context, store kv.Store) (struct{}, error) {
		return struct{}{}, store.HSet(ctx, "k", map[string]any{"f": "v"})
	})
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Available)
}

func TestPoolShutdownRejectsAcquire(t *testing.T) {
	p := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Second})
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Acquire(context.Background(), types.RoleReadWrite)
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrPoolShuttingDown, code)
}
