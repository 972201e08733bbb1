package session

import (
	"context"
	"testing"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.SessionConfig{
		DefaultTTL: time.Hour, CheckpointInterval: 3, GraceTTL: 50 * time.Millisecond,
		PubSubChannels: config.PubSubChannelsConfig{Global: "sessions.global", Session: "sessions.%s"},
	}
	return New(kv.NewMemoryStore(), nil, nil, cfg)
}

func TestCreateSessionFailsOnDuplicate(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))

	err := m.CreateSession(ctx, "s1", "agent-b", CreateOptions{})
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrSessionExists, code)
}

func TestEmitEventAssignsSequentialSeq(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))

	seq1, err := m.EmitEvent(ctx, "s1", &types.SessionEvent{Type: "progress", Actor: "agent-a"}, EmitOptions{})
	require.NoError(t, err)
	seq2, err := m.EmitEvent(ctx, "s1", &types.SessionEvent{Type: "progress", Actor: "agent-a"}, EmitOptions{})
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)
}

func TestEmitEventAppliesStateTransition(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))

	_, err := m.EmitEvent(ctx, "s1", &types.SessionEvent{
		Type: "status", Actor: "agent-a",
		StateTransition: &types.StateTransition{From: types.SessionWorking, To: types.SessionBroken},
	}, EmitOptions{})
	require.NoError(t, err)

	doc, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, types.SessionBroken, doc.State)
}

func TestCheckpointDetectsBrokenOutcome(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))

	_, err := m.EmitEvent(ctx, "s1", &types.SessionEvent{
		Type: "status", Actor: "agent-a",
		StateTransition: &types.StateTransition{From: types.SessionWorking, To: types.SessionBroken},
		ChangeInfo:      map[string]any{"entityIds": []string{"e1", "e2"}},
	}, EmitOptions{})
	require.NoError(t, err)

	anchor, err := m.Checkpoint(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "broken", anchor.Outcome)
	require.ElementsMatch(t, []string{"e1", "e2"}, anchor.KeyImpacts)
}

func TestJoinAndLeaveSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))
	require.NoError(t, m.JoinSession(ctx, "s1", "agent-b"))

	doc, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"agent-a", "agent-b"}, doc.AgentIDs)

	require.NoError(t, m.LeaveSession(ctx, "s1", "agent-a"))
	require.NoError(t, m.LeaveSession(ctx, "s1", "agent-b"))

	doc, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, doc.AgentIDs)
}

func TestGetSessionNotFound(t *testing.T) {
	m := testManager(t)
	_, err := m.GetSession(context.Background(), "missing")
	require.Error(t, err)
	code, ok := types.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrSessionNotFound, code)
}

func TestEmitEventTriggersCheckpointOnInterval(t *testing.T) {
	m := testManager(t) // CheckpointInterval: 3
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))

	for i := 0; i < 3; i++ {
		_, err := m.EmitEvent(ctx, "s1", &types.SessionEvent{Type: "progress", Actor: "agent-a"}, EmitOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ttl, err := m.store.TTL(ctx, sessionKey("s1"))
		return err == nil && ttl <= m.cfg.GraceTTL
	}, time.Second, 5*time.Millisecond, "expected checkpoint to shorten TTL to the grace window")
}
