// Package session implements the SessionStore/SessionManager (§4.6):
// ephemeral, Redis-backed session state (or MemoryStore in no-Redis
// mode) with an append-only event log, periodic checkpoints that
// anchor progress onto graph entities, and join/leave handoff
// semantics. Grounded on daemon/redis_wisp_store.go's namespaced-key +
// shared-TTL pattern, generalized from a single "wisp" document to the
// session/events key pair plus the join/leave/checkpoint state machine
// this domain needs.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/google/uuid"
)

func sessionKey(id string) string { return "session:" + id }
func eventsKey(id string) string  { return "events:" + id }

// CreateOptions tunes createSession (§4.6).
type CreateOptions struct {
	InitialEntities []string
	Metadata        map[string]any
}

// EmitOptions tunes emitEvent; ResetTTL and PublishUpdate default true
// (matching §4.6's "if resetTTL≠false" / "if publishUpdate≠false").
type EmitOptions struct {
	ResetTTL      *bool
	PublishUpdate *bool
}

func (o EmitOptions) resetTTL() bool {
	return o.ResetTTL == nil || *o.ResetTTL
}

func (o EmitOptions) publishUpdate() bool {
	return o.PublishUpdate == nil || *o.PublishUpdate
}

// Manager is the SessionManager, built over a Store and an optional
// PubSub/Graph collaborator.
type Manager struct {
	store  kv.Store
	pubsub *kv.PubSub
	g      graph.Graph
	cfg    config.SessionConfig

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// New builds a Manager. pubsub and g may be nil: publish and anchor
// writes are then skipped, per §4.6 "non-critical" failure handling.
func New(store kv.Store, pubsub *kv.PubSub, g graph.Graph, cfg config.SessionConfig) *Manager {
	return &Manager{store: store, pubsub: pubsub, g: g, cfg: cfg, timers: make(map[string]*time.Timer)}
}

// CreateSession fails with SessionExists if the session key is already
// present; otherwise initializes state=working, agentIds=[agentID].
func (m *Manager) CreateSession(ctx context.Context, sessionID, agentID string, opts CreateOptions) error {
	exists, err := m.store.Exists(ctx, sessionKey(sessionID))
	if err != nil {
		return types.Wrap(types.ErrStoreUnavailable, "checking session existence", err)
	}
	if exists {
		return types.NewError(types.ErrSessionExists, fmt.Sprintf("session %s already exists", sessionID))
	}

	agentIDs, _ := json.Marshal([]string{agentID})
	metadata, _ := json.Marshal(opts.Metadata)
	values := map[string]any{
		"agentIds":   string(agentIDs),
		"state":      string(types.SessionWorking),
		"eventCount": "0",
		"seqCounter": "0",
		"metadata":   string(metadata),
	}
	if err := m.store.HSet(ctx, sessionKey(sessionID), values); err != nil {
		return types.Wrap(types.ErrStoreUnavailable, "creating session", err)
	}

	ttl := m.cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_ = m.store.Expire(ctx, sessionKey(sessionID), ttl)
	_ = m.store.Expire(ctx, eventsKey(sessionID), ttl)

	if len(opts.InitialEntities) > 0 {
		ev := &types.SessionEvent{
			Type:      "init",
			Timestamp: time.Now(),
			Actor:     agentID,
			ChangeInfo: map[string]any{"entityIds": opts.InitialEntities},
		}
		if _, err := m.EmitEvent(ctx, sessionID, ev, EmitOptions{}); err != nil {
			return err
		}
	}

	m.publishGlobal("new", sessionID)
	return nil
}

// EmitEvent assigns the next sequence number, appends to the ordered
// event log, applies any state transition, refreshes TTLs, publishes a
// compact update, and triggers a checkpoint on cadence (§4.6 "Event
// emission").
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, ev *types.SessionEvent, opts EmitOptions) (int64, error) {
	seq, err := m.store.HIncrBy(ctx, sessionKey(sessionID), "seqCounter", 1)
	if err != nil {
		return 0, types.Wrap(types.ErrStoreUnavailable, "assigning sequence", err)
	}
	ev.Seq = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("session: encoding event: %w", err)
	}
	if err := m.store.ZAdd(ctx, eventsKey(sessionID), float64(seq), string(raw)); err != nil {
		return 0, types.Wrap(types.ErrStoreUnavailable, "appending event", err)
	}
	if _, err := m.store.HIncrBy(ctx, sessionKey(sessionID), "eventCount", 1); err != nil {
		return 0, types.Wrap(types.ErrStoreUnavailable, "incrementing event count", err)
	}

	if ev.StateTransition != nil {
		if err := m.store.HSet(ctx, sessionKey(sessionID), map[string]any{"state": string(ev.StateTransition.To)}); err != nil {
			return 0, types.Wrap(types.ErrStoreUnavailable, "applying state transition", err)
		}
	}

	if opts.resetTTL() {
		ttl := m.cfg.DefaultTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		_ = m.store.Expire(ctx, sessionKey(sessionID), ttl)
		_ = m.store.Expire(ctx, eventsKey(sessionID), ttl)
	}

	if opts.publishUpdate() {
		m.publishSession(sessionID, ev)
	}

	interval := m.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 10
	}
	if ev.Type == "checkpoint" || seq%int64(interval) == 0 {
		go func() {
			if _, err := m.Checkpoint(context.Background(), sessionID); err != nil {
				log.Printf("session: checkpoint failed for %s: %v", sessionID, err)
			}
		}()
	}

	return seq, nil
}

// Checkpoint aggregates the last 20 events into a SessionAnchor,
// requests the graph append it to each touched entity (best-effort,
// §4.6 "non-critical"), and schedules cleanup after the grace TTL.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) (types.SessionAnchor, error) {
	members, err := m.store.ZRange(ctx, eventsKey(sessionID), -20, -1)
	if err != nil {
		return types.SessionAnchor{}, types.Wrap(types.ErrStoreUnavailable, "reading event window", err)
	}

	outcome := "working"
	entitySet := map[string]bool{}
	actorSet := map[string]bool{}
	var perfSum float64
	var perfCount int

	for _, raw := range members {
		var ev types.SessionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.Actor != "" {
			actorSet[ev.Actor] = true
		}
		if ev.StateTransition != nil && ev.StateTransition.To == types.SessionBroken {
			outcome = "broken"
		}
		if ids, ok := ev.ChangeInfo["entityIds"]; ok {
			for _, id := range toStringSlice(ids) {
				entitySet[id] = true
			}
		}
		if ev.Impact != nil {
			if v, ok := ev.Impact["perfDelta"].(float64); ok {
				perfSum += v
				perfCount++
			}
		}
	}

	var perfDelta float64
	if perfCount > 0 {
		perfDelta = perfSum / float64(perfCount)
	}

	anchor := types.SessionAnchor{
		SessionID:    sessionID,
		CheckpointID: uuid.NewString(),
		Outcome:      outcome,
		KeyImpacts:   mapKeys(entitySet),
		PerfDelta:    perfDelta,
		Actors:       mapKeys(actorSet),
		Timestamp:    time.Now(),
	}

	if m.g != nil {
		for _, entityID := range anchor.KeyImpacts {
			if _, err := m.g.Query(ctx, "entity.metadata.sessions.append", map[string]any{
				"entityId": entityID,
				"anchor":   anchor,
				"keep":     5,
			}); err != nil {
				// anchor-append failures are logged, never propagated (§4.6).
				log.Printf("session: anchor append failed for entity %s: %v", entityID, err)
			}
		}
	}

	grace := m.cfg.GraceTTL
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	_ = m.store.Expire(ctx, sessionKey(sessionID), grace)
	_ = m.store.Expire(ctx, eventsKey(sessionID), grace)
	m.scheduleCleanup(sessionID, grace)

	return anchor, nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// scheduleCleanup arranges for the session's keys to be removed after
// the grace period elapses, giving handoff a real window even against
// a Store (like MemoryStore) that never background-evicts expired keys.
func (m *Manager) scheduleCleanup(sessionID string, grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(grace, func() {
		if err := m.store.Del(context.Background(), sessionKey(sessionID), eventsKey(sessionID)); err != nil {
			log.Printf("session: cleanup failed for %s: %v", sessionID, err)
		}
		m.mu.Lock()
		delete(m.timers, sessionID)
		m.mu.Unlock()
	})
}

// JoinSession adds agentID to the session and emits a handoff event.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	doc, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	found := false
	for _, a := range doc.AgentIDs {
		if a == agentID {
			found = true
			break
		}
	}
	if !found {
		doc.AgentIDs = append(doc.AgentIDs, agentID)
	}
	raw, _ := json.Marshal(doc.AgentIDs)
	if err := m.store.HSet(ctx, sessionKey(sessionID), map[string]any{"agentIds": string(raw)}); err != nil {
		return types.Wrap(types.ErrStoreUnavailable, "joining session", err)
	}

	ev := &types.SessionEvent{Type: "handoff", Actor: agentID, Timestamp: time.Now()}
	_, err = m.EmitEvent(ctx, sessionID, ev, EmitOptions{})
	return err
}

// LeaveSession removes agentID and, if no agents remain, shortens the
// TTL to the grace period (§4.6 "Join/leave").
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	doc, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(doc.AgentIDs))
	for _, a := range doc.AgentIDs {
		if a != agentID {
			remaining = append(remaining, a)
		}
	}
	raw, _ := json.Marshal(remaining)
	if err := m.store.HSet(ctx, sessionKey(sessionID), map[string]any{"agentIds": string(raw)}); err != nil {
		return types.Wrap(types.ErrStoreUnavailable, "leaving session", err)
	}

	if len(remaining) == 0 {
		grace := m.cfg.GraceTTL
		if grace <= 0 {
			grace = 5 * time.Minute
		}
		_ = m.store.Expire(ctx, sessionKey(sessionID), grace)
		_ = m.store.Expire(ctx, eventsKey(sessionID), grace)
	}
	return nil
}

// GetSession reads and decodes the session:<id> hash.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.SessionDocument, error) {
	fields, err := m.store.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, types.Wrap(types.ErrStoreUnavailable, "reading session", err)
	}
	if len(fields) == 0 {
		return nil, types.NewError(types.ErrSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
	}

	var agentIDs []string
	_ = json.Unmarshal([]byte(fields["agentIds"]), &agentIDs)
	var metadata map[string]any
	_ = json.Unmarshal([]byte(fields["metadata"]), &metadata)
	eventCount, _ := strconv.ParseInt(fields["eventCount"], 10, 64)

	return &types.SessionDocument{
		SessionID:  sessionID,
		AgentIDs:   agentIDs,
		State:      types.SessionState(fields["state"]),
		EventCount: eventCount,
		Metadata:   metadata,
	}, nil
}

func (m *Manager) sessionChannel(sessionID string) string {
	ch := m.cfg.PubSubChannels.Session
	if ch == "" {
		ch = "sessions.%s"
	}
	return fmt.Sprintf(ch, sessionID)
}

func (m *Manager) globalChannel() string {
	if m.cfg.PubSubChannels.Global == "" {
		return "sessions.global"
	}
	return m.cfg.PubSubChannels.Global
}

// publishSession and publishGlobal are best-effort: §6 requires that
// publish failures never propagate as operation failures.
func (m *Manager) publishSession(sessionID string, ev *types.SessionEvent) {
	if m.pubsub == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.pubsub.Publish(m.sessionChannel(sessionID), raw); err != nil {
		log.Printf("session: publish failed for %s: %v", sessionID, err)
	}
}

func (m *Manager) publishGlobal(kind, sessionID string) {
	if m.pubsub == nil {
		return
	}
	raw, _ := json.Marshal(map[string]string{"type": kind, "sessionId": sessionID})
	if err := m.pubsub.Publish(m.globalChannel(), raw); err != nil {
		log.Printf("session: global publish failed: %v", err)
	}
}

// Subscribe returns the compact-update channel for one session, the
// standard Subscribe(topic) (<-chan Event, func()) shape from §9,
// specialized here to raw bytes since updates are already JSON.
func (m *Manager) Subscribe(sessionID string) (<-chan []byte, func(), error) {
	if m.pubsub == nil {
		return nil, nil, types.NewError(types.ErrStoreUnavailable, "no pubsub configured")
	}
	return m.pubsub.Subscribe(m.sessionChannel(sessionID))
}

// SubscribeGlobal returns the new/resumed announcement channel.
func (m *Manager) SubscribeGlobal() (<-chan []byte, func(), error) {
	if m.pubsub == nil {
		return nil, nil, types.NewError(types.ErrStoreUnavailable, "no pubsub configured")
	}
	return m.pubsub.Subscribe(m.globalChannel())
}
