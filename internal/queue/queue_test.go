package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/require"
)

func testCfg() config.QueuesConfig {
	return config.QueuesConfig{
		MaxSize: 1000, PartitionCount: 1, BatchSize: 10,
		RetryAttempts: 3, RetryDelay: 10 * time.Millisecond,
		BackpressureThreshold: 5, EnableBackpressure: true,
	}
}

func TestPriorityOrderingWithinPartition(t *testing.T) {
	m := New(testCfg(), StrategyHash)
	defer m.Close()

	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "low", Priority: 1}, "k"))
	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "high", Priority: 9}, "k"))
	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "mid", Priority: 5}, "k"))

	out := m.Dequeue(0, 3)
	require.Len(t, out, 3)
	require.Equal(t, "high", out[0].ID)
	require.Equal(t, "mid", out[1].ID)
	require.Equal(t, "low", out[2].ID)
}

func TestFIFOTiebreakWithinPriority(t *testing.T) {
	m := New(testCfg(), StrategyHash)
	defer m.Close()

	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "first", Priority: 5}, "k"))
	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "second", Priority: 5}, "k"))

	out := m.Dequeue(0, 2)
	require.Equal(t, []string{"first", "second"}, []string{out[0].ID, out[1].ID})
}

func TestBackpressure(t *testing.T) {
	cfg := testCfg()
	cfg.PartitionCount = 1
	cfg.BackpressureThreshold = 2
	m := New(cfg, StrategyHash)
	defer m.Close()

	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "a", Priority: 1}, "k"))
	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "b", Priority: 1}, "k"))

	err := m.Enqueue(&types.TaskPayload{ID: "c", Priority: 1}, "k")
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrQueueOverflow, code)

	m.Dequeue(0, 1)
	require.NoError(t, m.Enqueue(&types.TaskPayload{ID: "d", Priority: 1}, "k"))
}

func TestRequeueAbandonsAfterMaxRetries(t *testing.T) {
	m := New(testCfg(), StrategyHash)
	defer m.Close()

	abandoned, cancel := m.Subscribe("task:abandoned")
	defer cancel()

	task := &types.TaskPayload{ID: "t1", Priority: 5, RetryCount: 3, MaxRetries: 3}
	err := m.Requeue(task, errors.New("boom"))
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrRetryExhausted, code)

	select {
	case ev := <-abandoned:
		require.Equal(t, "t1", ev.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("expected task:abandoned event")
	}
}

func TestRequeueSchedulesRetryWithBackoff(t *testing.T) {
	m := New(testCfg(), StrategyHash)
	defer m.Close()

	task := &types.TaskPayload{ID: "t2", Priority: 5, RetryCount: 0, MaxRetries: 3}
	require.NoError(t, m.Requeue(task, nil))
	require.NotNil(t, task.ScheduledAt)
	require.Equal(t, 1, task.RetryCount)

	require.Empty(t, m.Dequeue(0, 1))
	time.Sleep(200 * time.Millisecond)
	require.NotEmpty(t, m.Dequeue(0, 1))
}

func TestDequeueByPriorityIsGlobal(t *testing.T) {
	cfg := testCfg()
	cfg.PartitionCount = 4
	cfg.BackpressureThreshold = 100
	m := New(cfg, StrategyRoundRobin)
	defer m.Close()

	for i := 0; i < 8; i++ {
		require.NoError(t, m.Enqueue(&types.TaskPayload{ID: string(rune('a' + i)), Priority: i}, ""))
	}

	top := m.DequeueByPriority(3)
	require.Len(t, top, 3)
	require.Equal(t, 7, top[0].Priority)
	require.Equal(t, 6, top[1].Priority)
	require.Equal(t, 5, top[2].Priority)
}
