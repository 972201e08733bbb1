package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollaborationScoreSingleAgentIsZero(t *testing.T) {
	r := NewRecorder(30)
	now := time.Now()
	r.RecordEvent("s1", "agent-a", "progress", 10*time.Millisecond, 100, now)
	require.Equal(t, 0.0, r.CollaborationScore("s1"))
}

func TestCollaborationScoreBalancedAgentsIsHigh(t *testing.T) {
	r := NewRecorder(30)
	now := time.Now()
	for i := 0; i < 10; i++ {
		r.RecordEvent("s1", "agent-a", "progress", time.Millisecond, 0, now)
		r.RecordEvent("s1", "agent-b", "progress", time.Millisecond, 0, now)
	}
	require.InDelta(t, 1.0, r.CollaborationScore("s1"), 0.001)
}

func TestCollaborationScoreImbalancedAgentsIsLower(t *testing.T) {
	r := NewRecorder(30)
	now := time.Now()
	for i := 0; i < 19; i++ {
		r.RecordEvent("s1", "agent-a", "progress", time.Millisecond, 0, now)
	}
	r.RecordEvent("s1", "agent-b", "progress", time.Millisecond, 0, now)
	score := r.CollaborationScore("s1")
	require.Less(t, score, 0.5)
}

func TestPerformanceImpactIsMeanProcessingTime(t *testing.T) {
	r := NewRecorder(30)
	now := time.Now()
	r.RecordEvent("s1", "agent-a", "progress", 10*time.Millisecond, 0, now)
	r.RecordEvent("s1", "agent-a", "progress", 30*time.Millisecond, 0, now)
	require.Equal(t, 20*time.Millisecond, r.PerformanceImpact("s1"))
}

func TestTrendAnalysisCountsAndTopLists(t *testing.T) {
	r := NewRecorder(30)
	now := time.Now()
	r.RecordEvent("s1", "agent-a", "parse", time.Millisecond, 0, now)
	r.RecordEvent("s1", "agent-a", "parse", time.Millisecond, 0, now)
	r.RecordEvent("s1", "agent-b", "upsert", time.Millisecond, 0, now)
	r.RecordCompletion("s1", 2*time.Second, now)

	trend, err := r.TrendAnalysis(WindowHour, now)
	require.NoError(t, err)
	require.Equal(t, 3, trend.Count)
	require.Equal(t, 2*time.Second, trend.AverageDuration)
	require.Contains(t, trend.TopAgents, "agent-a")
	require.Contains(t, trend.TopEventTypes, "parse")
}

func TestTrendAnalysisUnknownWindow(t *testing.T) {
	r := NewRecorder(30)
	_, err := r.TrendAnalysis(Window("fortnight"), time.Now())
	require.Error(t, err)
}

func TestCleanupOldDataRemovesStaleRows(t *testing.T) {
	r := NewRecorder(1)
	old := time.Now().Add(-48 * time.Hour)
	r.RecordEvent("stale", "agent-a", "progress", time.Millisecond, 0, old)
	r.RecordCompletion("stale", time.Second, old)
	r.RecordEvent("fresh", "agent-a", "progress", time.Millisecond, 0, time.Now())

	removed := r.CleanupOldData(time.Now())
	require.Greater(t, removed, 0)
	_, stillPresent := r.sessions["stale"]
	require.False(t, stillPresent, "stale session should have been pruned")
	_, stillFresh := r.sessions["fresh"]
	require.True(t, stillFresh, "fresh session should survive cleanup")
}
