package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/queue"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolDispatchesByType(t *testing.T) {
	q := queue.New(config.QueuesConfig{PartitionCount: 1, BatchSize: 10, RetryDelay: 10 * time.Millisecond}, queue.StrategyHash)
	defer q.Close()

	pool := New(q, Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeout: time.Second, RestartThreshold: 5})

	var handled int64
	pool.RegisterHandler("parse", func(ctx context.Context, task *types.TaskPayload) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})

	pool.Start(1)
	defer pool.Stop()

	require.NoError(t, q.Enqueue(&types.TaskPayload{ID: "t1", Type: "parse", Priority: 5}, "k"))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&handled) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), pool.GetMetrics().TasksHandled)
}

func TestWorkerPoolRequeuesOnFailure(t *testing.T) {
	q := queue.New(config.QueuesConfig{PartitionCount: 1, BatchSize: 10, RetryDelay: 10 * time.Millisecond}, queue.StrategyHash)
	defer q.Close()

	pool := New(q, Config{MinWorkers: 1, MaxWorkers: 1, WorkerTimeout: time.Second, RestartThreshold: 100})

	var attempts int64
	pool.RegisterHandler("parse", func(ctx context.Context, task *types.TaskPayload) error {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})

	pool.Start(1)
	defer pool.Stop()

	require.NoError(t, q.Enqueue(&types.TaskPayload{ID: "t1", Type: "parse", Priority: 5, MaxRetries: 3}, "k"))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&attempts) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), pool.GetMetrics().TasksFailed)
}

func TestWorkerPoolScalesUpUnderLoad(t *testing.T) {
	q := queue.New(config.QueuesConfig{PartitionCount: 4, BatchSize: 10}, queue.StrategyRoundRobin)
	defer q.Close()

	pool := New(q, Config{
		MinWorkers: 1, MaxWorkers: 4, ScaleUpThreshold: 2, ScaleDownThreshold: 0,
		ScaleUpCooldown: 0, ScaleDownCooldown: time.Hour, WorkerTimeout: time.Second,
	})
	pool.RegisterHandler("noop", func(ctx context.Context, task *types.TaskPayload) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	pool.Start(4)
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(&types.TaskPayload{ID: string(rune('a' + i)), Type: "noop", Priority: 5}, ""))
	}

	require.Eventually(t, func() bool { return pool.GetMetrics().WorkerCount > 1 }, 3*time.Second, 50*time.Millisecond)
}
