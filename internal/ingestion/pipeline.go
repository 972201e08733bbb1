// Package ingestion implements the IngestionPipeline (§4.5): the
// explicit-state-machine orchestrator that turns ChangeEvents into
// ChangeFragments and queued entity/relationship/embedding writes. It
// is the component that wires internal/queue, internal/workerpool,
// internal/batch, internal/parser, and internal/graph together into a
// in-process, multi-stage pipeline with its own lifecycle and metrics.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codegraph/ingestsub/internal/batch"
	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/parser"
	"github.com/codegraph/ingestsub/internal/queue"
	"github.com/codegraph/ingestsub/internal/telemetry"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/codegraph/ingestsub/internal/workerpool"
)

// State is one step of the pipeline's lifecycle (§4.5 "Lifecycle states").
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// task type names registered on the WorkerPool's dispatch table.
const (
	taskParse               = "parse"
	taskEntityUpsert         = "entity_upsert"
	taskRelationshipUpsert   = "relationship_upsert"
	taskEmbedding            = "embedding"
)

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".cc": true, ".cs": true, ".php": true, ".kt": true, ".swift": true, ".scala": true,
}

func isCodeFile(path string) bool {
	return codeExtensions[strings.ToLower(filepath.Ext(path))]
}

// Metrics is the rollup IngestionPipeline exposes on each tick (§4.5
// "Metrics").
type Metrics struct {
	EventsPerSecond float64
	AverageLatency  time.Duration
	P95Latency      time.Duration
	QueueDepth      int
	WorkerCount     int
	BusyWorkers     int
	CPUApprox       float64
}

// Pipeline is the IngestionPipeline.
type Pipeline struct {
	cfg    config.PipelineConfig
	queue  *queue.Manager
	pool   *workerpool.Pool
	proc   *batch.Processor
	parse  parser.Parser
	alerts *telemetry.AlertManager

	mu    sync.Mutex
	state State

	eventTimes []time.Time // rolling 60s window for eventsPerSecond

	latMu      sync.Mutex
	latencies  []time.Duration // ring buffer, last 1000 samples
	latencyPos int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an IngestionPipeline wired to q/pool/proc/p. alerts may be
// nil to disable threshold checking.
func New(cfg config.PipelineConfig, q *queue.Manager, pool *workerpool.Pool, proc *batch.Processor, p parser.Parser, alerts *telemetry.AlertManager) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		queue:  q,
		pool:   pool,
		proc:   proc,
		parse:  p,
		alerts: alerts,
		state:  StateStopped,
	}
}

// State returns the pipeline's current lifecycle state.
func (pl *Pipeline) State() State {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

func (pl *Pipeline) transition(from []State, to State) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	ok := false
	for _, s := range from {
		if pl.state == s {
			ok = true
			break
		}
	}
	if !ok {
		return types.NewError(types.ErrInvalidState, fmt.Sprintf("cannot move to %s from %s", to, pl.state))
	}
	pl.state = to
	return nil
}

func (pl *Pipeline) setErrorState() {
	pl.mu.Lock()
	pl.state = StateError
	pl.mu.Unlock()
}

// Start moves stopped -> starting -> running, registers task handlers,
// launches the worker pool and the metrics tick loop.
func (pl *Pipeline) Start(partitionCount int) error {
	if err := pl.transition([]State{StateStopped, StateError}, StateStarting); err != nil {
		return err
	}

	pl.pool.RegisterHandler(taskParse, pl.handleParse)
	pl.pool.RegisterHandler(taskEntityUpsert, pl.handleEntityUpsert)
	pl.pool.RegisterHandler(taskRelationshipUpsert, pl.handleRelationshipUpsert)
	pl.pool.RegisterHandler(taskEmbedding, pl.handleEmbedding)

	pl.pool.Start(partitionCount)

	if err := pl.transition([]State{StateStarting}, StateRunning); err != nil {
		pl.setErrorState()
		return err
	}

	pl.stopCh = make(chan struct{})
	pl.wg.Add(1)
	go pl.metricsLoop()
	return nil
}

// Pause moves running -> pausing -> paused: IngestChangeEvent is
// rejected while paused, but in-flight worker tasks drain naturally.
func (pl *Pipeline) Pause() error {
	if err := pl.transition([]State{StateRunning}, StatePausing); err != nil {
		return err
	}
	return pl.transition([]State{StatePausing}, StatePaused)
}

// Resume moves paused -> running.
func (pl *Pipeline) Resume() error {
	return pl.transition([]State{StatePaused}, StateRunning)
}

// Stop moves running/paused -> stopping -> stopped, halting the worker
// pool and metrics loop.
func (pl *Pipeline) Stop() error {
	pl.mu.Lock()
	cur := pl.state
	pl.mu.Unlock()
	if cur != StateRunning && cur != StatePaused && cur != StateError {
		return types.NewError(types.ErrInvalidState, fmt.Sprintf("cannot stop from %s", cur))
	}
	pl.mu.Lock()
	pl.state = StateStopping
	pl.mu.Unlock()

	if pl.stopCh != nil {
		close(pl.stopCh)
		pl.wg.Wait()
	}
	pl.pool.Stop()

	pl.mu.Lock()
	pl.state = StateStopped
	pl.mu.Unlock()
	return nil
}

// IngestChangeEvent accepts a ChangeEvent while running, computing the
// parse task's priority per §4.5 and enqueueing it.
func (pl *Pipeline) IngestChangeEvent(event *types.ChangeEvent) error {
	pl.mu.Lock()
	state := pl.state
	pl.mu.Unlock()
	if state != StateRunning {
		return types.NewError(types.ErrPipelineNotRunning, fmt.Sprintf("pipeline is %s, not running", state))
	}

	priority := 5
	if isCodeFile(event.FilePath) {
		priority += 2
	}
	if event.Size > 0 && event.Size < 10*1024 {
		priority++
	}
	if event.EventType == types.EventModified {
		priority++
	}
	if priority > 10 {
		priority = 10
	}
	if priority < 0 {
		priority = 0
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("ingestion: encoding event: %w", err)
	}
	task := &types.TaskPayload{
		Type:     taskParse,
		Priority: priority,
		Data:     payload,
		MaxRetries: 3,
		Metadata: map[string]any{"ingestedAt": event.Timestamp},
	}
	if task.Metadata["ingestedAt"].(time.Time).IsZero() {
		task.Metadata["ingestedAt"] = time.Now()
	}

	pl.recordEvent()
	return pl.queue.Enqueue(task, event.FilePath)
}

func encodeEvent(event *types.ChangeEvent) (map[string]any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEvent(data map[string]any) (*types.ChangeEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out types.ChangeEvent
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// handleParse calls the external parser, derives ChangeFragments, and
// enqueues entity_upsert/relationship_upsert/embedding follow-on tasks
// (§4.5 "Event-to-fragment flow").
func (pl *Pipeline) handleParse(ctx context.Context, task *types.TaskPayload) error {
	event, err := decodeEvent(task.Data)
	if err != nil {
		return fmt.Errorf("ingestion: decoding parse task: %w", err)
	}

	result, err := pl.parse.ParseFile(ctx, event.FilePath)
	if err != nil {
		return types.Wrap(types.ErrParseError, "parsing "+event.FilePath, err)
	}
	// per-file parse errors inside the result are non-fatal (§6); the
	// entities/relationships that did parse still get written.

	ingestedAt, _ := task.Metadata["ingestedAt"].(time.Time)

	entityPriority := clampPriority(task.Priority + 1)
	relationshipPriority := clampPriority(task.Priority)

	for _, e := range result.Entities {
		fragment := types.ChangeFragment{
			ID:         e.ID,
			EventID:    event.ID,
			ChangeType: types.FragmentEntity,
			Operation:  operationFor(event.EventType),
			Data:       map[string]any{"id": e.ID, "type": e.Type, "fields": e.Data},
			Confidence: 1,
		}
		if err := pl.enqueueFragment(taskEntityUpsert, entityPriority, fragment, ingestedAt); err != nil {
			return err
		}
		// Enrichment (embedding) is optional, async, and lower priority;
		// its own failures must never block entity/relationship writes.
		pl.enqueueEmbedding(e.ID, e.Type, ingestedAt)
	}

	for _, r := range result.Relationships {
		fragment := types.ChangeFragment{
			ID:              r.ID,
			EventID:         event.ID,
			ChangeType:      types.FragmentRelationship,
			Operation:       operationFor(event.EventType),
			Data:            map[string]any{"id": r.ID, "type": r.Type, "fromId": r.FromID, "toId": r.ToID, "fields": r.Data},
			DependencyHints: []string{r.FromID, r.ToID},
			Confidence:      1,
		}
		if err := pl.enqueueFragment(taskRelationshipUpsert, relationshipPriority, fragment, ingestedAt); err != nil {
			return err
		}
	}

	return nil
}

func operationFor(t types.EventType) types.FragmentOperation {
	switch t {
	case types.EventDeleted:
		return types.OpRemove
	case types.EventModified:
		return types.OpModify
	default:
		return types.OpAdd
	}
}

func clampPriority(p int) int {
	if p > 10 {
		return 10
	}
	if p < 0 {
		return 0
	}
	return p
}

func (pl *Pipeline) enqueueFragment(taskType string, priority int, fragment types.ChangeFragment, ingestedAt time.Time) error {
	raw, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	task := &types.TaskPayload{
		Type:       taskType,
		Priority:   priority,
		Data:       data,
		MaxRetries: 3,
		Metadata:   map[string]any{"ingestedAt": ingestedAt},
	}
	return pl.queue.Enqueue(task, fragment.ID)
}

func (pl *Pipeline) enqueueEmbedding(entityID, entityType string, ingestedAt time.Time) {
	task := &types.TaskPayload{
		Type:       taskEmbedding,
		Priority:   2, // lower priority than entity/relationship writes
		Data:       map[string]any{"entityId": entityID, "entityType": entityType},
		MaxRetries: 1,
		Metadata:   map[string]any{"ingestedAt": ingestedAt},
	}
	// Best-effort: an enrichment task that can't enqueue (e.g. under
	// backpressure) is simply dropped, matching "failures are non-fatal".
	_ = pl.queue.Enqueue(task, entityID)
}

func (pl *Pipeline) handleEntityUpsert(ctx context.Context, task *types.TaskPayload) error {
	fragment, err := decodeFragment(task.Data)
	if err != nil {
		return fmt.Errorf("ingestion: decoding entity fragment: %w", err)
	}
	res, err := pl.proc.ProcessChangeFragments(ctx, []types.ChangeFragment{fragment})
	if err != nil {
		return err
	}
	pl.recordCompletion(task, res.Success)
	if !res.Success {
		return types.NewError(types.ErrBatchProcessing, "entity upsert failed")
	}
	return nil
}

func (pl *Pipeline) handleRelationshipUpsert(ctx context.Context, task *types.TaskPayload) error {
	fragment, err := decodeFragment(task.Data)
	if err != nil {
		return fmt.Errorf("ingestion: decoding relationship fragment: %w", err)
	}
	res, err := pl.proc.ProcessChangeFragments(ctx, []types.ChangeFragment{fragment})
	if err != nil {
		return err
	}
	pl.recordCompletion(task, res.Success)
	if !res.Success {
		return types.NewError(types.ErrBatchProcessing, "relationship upsert failed")
	}
	return nil
}

// handleEmbedding is a best-effort enrichment: any failure is logged by
// the WorkerPool's normal retry path but never surfaces as a pipeline
// fault (§4.5 "Enrichment").
func (pl *Pipeline) handleEmbedding(ctx context.Context, task *types.TaskPayload) error {
	entityID, _ := task.Data["entityId"].(string)
	req := graph.EmbeddingRequest{EntityID: entityID}
	_, err := pl.proc.Graph().CreateEmbeddingsBatch(ctx, []graph.EmbeddingRequest{req}, graph.BulkOptions{})
	return err
}

func decodeFragment(data map[string]any) (types.ChangeFragment, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return types.ChangeFragment{}, err
	}
	var f types.ChangeFragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return types.ChangeFragment{}, err
	}
	return f, nil
}

func (pl *Pipeline) recordEvent() {
	now := time.Now()
	pl.mu.Lock()
	pl.eventTimes = append(pl.eventTimes, now)
	pl.mu.Unlock()
}

func (pl *Pipeline) recordCompletion(task *types.TaskPayload, success bool) {
	ingestedAt, ok := task.Metadata["ingestedAt"].(time.Time)
	if !ok || ingestedAt.IsZero() {
		return
	}
	elapsed := time.Since(ingestedAt)

	pl.latMu.Lock()
	defer pl.latMu.Unlock()
	const capacity = 1000
	if len(pl.latencies) < capacity {
		pl.latencies = append(pl.latencies, elapsed)
	} else {
		pl.latencies[pl.latencyPos] = elapsed
		pl.latencyPos = (pl.latencyPos + 1) % capacity
	}
}

// GetMetrics computes the §4.5 "Metrics" rollup.
func (pl *Pipeline) GetMetrics() Metrics {
	now := time.Now()
	cutoff := now.Add(-60 * time.Second)

	pl.mu.Lock()
	kept := pl.eventTimes[:0]
	for _, t := range pl.eventTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	pl.eventTimes = kept
	eventsInWindow := len(pl.eventTimes)
	pl.mu.Unlock()

	pl.latMu.Lock()
	samples := append([]time.Duration(nil), pl.latencies...)
	pl.latMu.Unlock()

	var avg, p95 time.Duration
	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		var sum time.Duration
		for _, s := range samples {
			sum += s
		}
		avg = sum / time.Duration(len(samples))
		idx := int(math.Ceil(0.95*float64(len(samples)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		p95 = samples[idx]
	}

	qMetrics := pl.queue.GetMetrics()
	wMetrics := pl.pool.GetMetrics()

	var busyRatio float64
	if wMetrics.WorkerCount > 0 {
		busyRatio = float64(wMetrics.BusyWorkers) / float64(wMetrics.WorkerCount)
	}
	// "load" has no portable stdlib reading; queue-depth pressure relative
	// to the backpressure threshold is used as its proxy.
	var load float64
	if pl.cfg.Queues.BackpressureThreshold > 0 {
		load = float64(qMetrics.QueueDepth) / float64(pl.cfg.Queues.BackpressureThreshold)
		if load > 1 {
			load = 1
		}
	}
	cpuApprox := 0.3*load + 0.4*busyRatio

	return Metrics{
		EventsPerSecond: float64(eventsInWindow) / 60.0,
		AverageLatency:  avg,
		P95Latency:      p95,
		QueueDepth:      qMetrics.QueueDepth,
		WorkerCount:     wMetrics.WorkerCount,
		BusyWorkers:     wMetrics.BusyWorkers,
		CPUApprox:       cpuApprox,
	}
}

func (pl *Pipeline) metricsLoop() {
	defer pl.wg.Done()
	interval := pl.cfg.Monitoring.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pl.stopCh:
			return
		case <-ticker.C:
			pl.tick()
		}
	}
}

// AlertThresholdsFromConfig builds the telemetry.AlertManager thresholds
// from the pipeline's monitoring config (§4.5 "Alerts").
func AlertThresholdsFromConfig(cfg config.MonitoringConfig) []telemetry.AlertThreshold {
	return []telemetry.AlertThreshold{
		{Name: "queue_depth", Threshold: float64(cfg.AlertThresholds.QueueDepth), Severity: "warning"},
		{Name: "latency_ms", Threshold: cfg.AlertThresholds.Latency, Severity: "warning"},
		{Name: "error_rate", Threshold: cfg.AlertThresholds.ErrorRate, Severity: "critical"},
	}
}

func (pl *Pipeline) tick() {
	m := pl.GetMetrics()
	if pl.alerts == nil {
		return
	}
	pl.alerts.Check(context.Background(), map[string]float64{
		"queue_depth": float64(m.QueueDepth),
		"latency_ms":  float64(m.AverageLatency.Milliseconds()),
		"error_rate":  pl.queue.GetMetrics().ErrorRate,
	})
}
