package ingestion

import (
	"testing"
	"time"

	"github.com/codegraph/ingestsub/internal/batch"
	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/parser"
	"github.com/codegraph/ingestsub/internal/queue"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/codegraph/ingestsub/internal/workerpool"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) (*Pipeline, *graph.DryRun) {
	t.Helper()
	cfg := config.Default()
	q := queue.New(cfg.Pipeline.Queues, queue.StrategyHash)
	t.Cleanup(q.Close)

	wp := workerpool.New(q, workerpool.Config{
		MinWorkers: 2, MaxWorkers: 4,
		ScaleUpThreshold: 1000, ScaleDownThreshold: 0,
		ScaleUpCooldown: time.Hour, ScaleDownCooldown: time.Hour,
		WorkerTimeout: 5 * time.Second, RestartThreshold: 10,
	})
	g := graph.NewDryRun()
	proc := batch.New(g, cfg.Pipeline.Batching)
	pl := New(cfg.Pipeline, q, wp, proc, parser.NewStub(), nil)
	return pl, g
}

func TestLifecycleStrictTransitions(t *testing.T) {
	pl, _ := newTestPipeline(t)
	require.Equal(t, StateStopped, pl.State())

	require.Error(t, pl.Pause(), "cannot pause while stopped")

	require.NoError(t, pl.Start(1))
	require.Equal(t, StateRunning, pl.State())

	require.NoError(t, pl.Pause())
	require.Equal(t, StatePaused, pl.State())

	require.NoError(t, pl.Resume())
	require.Equal(t, StateRunning, pl.State())

	require.NoError(t, pl.Stop())
	require.Equal(t, StateStopped, pl.State())
}

func TestIngestChangeEventRejectedWhenNotRunning(t *testing.T) {
	pl, _ := newTestPipeline(t)
	err := pl.IngestChangeEvent(&types.ChangeEvent{ID: "e1", FilePath: "a.go"})
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrPipelineNotRunning, code)
}

func TestIngestChangeEventFlowsToGraph(t *testing.T) {
	pl, g := newTestPipeline(t)
	require.NoError(t, pl.Start(1))
	defer pl.Stop()

	event := &types.ChangeEvent{
		ID: "e1", FilePath: "main.go", EventType: types.EventCreated,
		Size: 100, Timestamp: time.Now(),
	}
	require.NoError(t, pl.IngestChangeEvent(event))

	require.Eventually(t, func() bool {
		return g.Count() >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected the parsed entity to reach the graph")
}

func TestPriorityComputationClampsToRange(t *testing.T) {
	pl, _ := newTestPipeline(t)
	require.NoError(t, pl.Start(1))
	defer pl.Stop()

	// Small, modified, code file: 5 + 2 + 1 + 1 = 9, within [0,10].
	event := &types.ChangeEvent{
		ID: "e2", FilePath: "small.go", EventType: types.EventModified, Size: 10,
	}
	require.NoError(t, pl.IngestChangeEvent(event))
}

func TestGetMetricsReflectsIngestedEvents(t *testing.T) {
	pl, _ := newTestPipeline(t)
	require.NoError(t, pl.Start(1))
	defer pl.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, pl.IngestChangeEvent(&types.ChangeEvent{ID: "e", FilePath: "x.go", Timestamp: time.Now()}))
	}
	m := pl.GetMetrics()
	require.Greater(t, m.EventsPerSecond, 0.0)
}
