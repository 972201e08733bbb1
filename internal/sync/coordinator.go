// Package sync implements the SynchronizationCoordinator (§4.8):
// queued full/incremental/partial graph-sync operations with progress
// events, cooperative cancellation, and conflict-resolution policies
// for partial field updates. The "FIFO operation queue with
// configurable max concurrency" is built directly on
// golang.org/x/sync/semaphore.Weighted, whose Acquire calls are served
// in FIFO order, rather than a hand-rolled channel-and-worker-pool
// (internal/workerpool already owns that shape for short parse tasks;
// this package generalizes to long-running, cancellable,
// progress-reporting operations instead), and reuses internal/ingestion
// for per-file work on the full/incremental paths.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/ingestion"
	"github.com/codegraph/ingestsub/internal/parser"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ConflictResolution is one of §4.8's "conflict resolution policies".
type ConflictResolution string

const (
	ResolveOverwrite ConflictResolution = "overwrite"
	ResolveSkip      ConflictResolution = "skip"
	ResolveMerge     ConflictResolution = "merge"
)

// Options tunes one sync operation.
type Options struct {
	ConflictResolution ConflictResolution
	RollbackOnError    bool
}

// PartialOp declares what a partial update entry does to its entity,
// mirroring SyncOperation's create/update/delete accounting (§4.8, §8
// seed scenario 3). An unset Op behaves like PartialOpUpdate, since
// earlier callers only ever merged fields.
type PartialOp string

const (
	PartialOpCreate PartialOp = "create"
	PartialOpUpdate PartialOp = "update"
	PartialOpDelete PartialOp = "delete"
)

// PartialChange is one entity's entry in a SynchronizePartial call.
type PartialChange struct {
	Op     PartialOp
	Fields map[string]any
}

// Event is published on Subscribe, covering operationStarted,
// syncProgress, operationCompleted, operationFailed (§4.8 "Progress").
type Event struct {
	Type        string // "operationStarted" | "syncProgress" | "operationCompleted" | "operationFailed"
	OperationID string
	Phase       string
	Progress    float64
	Error       error
}

// reverseStep is one undo action recorded while RollbackOnError is set.
// A plan is only ever recorded for operations that opted in, and only
// honored once the operation has actually failed (§4.8 "Rollback").
type reverseStep struct {
	entityID string
	prior    map[string]any // nil prior means the entity did not exist before
}

type opState struct {
	op              types.SyncOperation
	paths           []string
	changes         []types.ChangeEvent
	updates         map[string]PartialChange
	opts            Options
	cancelRequested bool
	reversePlan     []reverseStep
}

// Coordinator is the SynchronizationCoordinator.
type Coordinator struct {
	pipeline *ingestion.Pipeline
	g        graph.Graph

	// parse lets the coordinator account entities/relationships at
	// operation-completion time: pipeline.IngestChangeEvent only enqueues
	// async work and reports nothing back, so counters are derived from a
	// synchronous parse of the same path rather than the pipeline's own
	// (unobservable from here) write.
	parse parser.Parser

	// sem bounds how many operations run at once; semaphore.Weighted
	// grants in FIFO order, which is what gives the "FIFO operation
	// queue" its ordering guarantee once Start has been called.
	sem *semaphore.Weighted

	mu         sync.Mutex
	operations map[string]*opState
	order      []string // pending operation ids, oldest first

	subMu       sync.Mutex
	subscribers map[string][]chan Event

	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds a Coordinator. pipeline drives full/incremental per-file
// work; g is used directly for partial field-level updates; parse backs
// the synchronous entity/relationship accounting on the full/incremental
// paths.
func New(pipeline *ingestion.Pipeline, g graph.Graph, parse parser.Parser, maxConcurrency int) *Coordinator {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Coordinator{
		pipeline:    pipeline,
		g:           g,
		parse:       parse,
		sem:         semaphore.NewWeighted(int64(maxConcurrency)),
		operations:  make(map[string]*opState),
		subscribers: make(map[string][]chan Event),
	}
}

// Start arms the coordinator to accept and run operations.
func (c *Coordinator) Start() {
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
}

// Stop cancels the acquisition context (no new operation starts after
// this returns) and waits for in-flight operations to finish.
func (c *Coordinator) Stop() {
	if c.runCancel != nil {
		c.runCancel()
	}
	c.wg.Wait()
}

// dispatch acquires a concurrency slot (blocking, FIFO-fair) and runs id.
func (c *Coordinator) dispatch(id string) {
	defer c.wg.Done()

	if err := c.sem.Acquire(c.runCtx, 1); err != nil {
		c.mu.Lock()
		c.removeFromOrderLocked(id)
		c.mu.Unlock()
		return // coordinator stopped before a slot freed up
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	c.removeFromOrderLocked(id)
	s, ok := c.operations[id]
	alreadyTerminal := ok && s.op.Status.Terminal()
	c.mu.Unlock()
	if alreadyTerminal {
		return // cancelled while still pending, before a slot freed up
	}

	c.runOperation(id)
}

func (c *Coordinator) removeFromOrderLocked(id string) {
	for i, pending := range c.order {
		if pending == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// StartFullSync enqueues a full sync over every path in paths,
// returning its operationId immediately (§4.8 "Operations").
func (c *Coordinator) StartFullSync(paths []string, opts Options) string {
	return c.enqueue(types.SyncFull, paths, nil, nil, opts)
}

// SynchronizeFileChanges enqueues an incremental sync over changes.
func (c *Coordinator) SynchronizeFileChanges(changes []types.ChangeEvent, opts Options) string {
	return c.enqueue(types.SyncIncremental, nil, changes, nil, opts)
}

// SynchronizePartial enqueues a field-level partial sync; updates maps
// entity id to the op (create/update/delete) and fields to apply under
// opts.ConflictResolution.
func (c *Coordinator) SynchronizePartial(updates map[string]PartialChange, opts Options) string {
	return c.enqueue(types.SyncPartial, nil, nil, updates, opts)
}

func (c *Coordinator) enqueue(kind types.SyncOperationType, paths []string, changes []types.ChangeEvent, updates map[string]PartialChange, opts Options) string {
	id := uuid.NewString()
	state := &opState{
		op:      types.SyncOperation{ID: id, Type: kind, Status: types.SyncPending, StartTime: time.Now()},
		paths:   paths,
		changes: changes,
		updates: updates,
		opts:    opts,
	}

	c.mu.Lock()
	c.operations[id] = state
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(id)
	return id
}

// GetQueueLength reports operations waiting for a concurrency slot.
func (c *Coordinator) GetQueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// GetActiveOperations lists operations currently running.
func (c *Coordinator) GetActiveOperations() []types.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.SyncOperation
	for _, s := range c.operations {
		if s.op.Status == types.SyncRunning {
			out = append(out, s.op)
		}
	}
	return out
}

// GetOperation returns the current snapshot of one operation.
func (c *Coordinator) GetOperation(id string) (types.SyncOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.operations[id]
	if !ok {
		return types.SyncOperation{}, false
	}
	return s.op, true
}

// CancelOperation marks id for cancellation at its next cooperative
// checkpoint (§4.8 "Cancellation"). Already-pending (not yet started)
// operations are cancelled immediately.
func (c *Coordinator) CancelOperation(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.operations[id]
	if !ok || s.op.Status.Terminal() {
		return false
	}
	s.cancelRequested = true
	if s.op.Status == types.SyncPending {
		s.op.Status = types.SyncFailed
		s.op.Errors = append(s.op.Errors, "cancelled")
		now := time.Now()
		s.op.EndTime = &now
		c.removeFromOrderLocked(id)
	}
	return true
}

// RollbackOperation replays a failed operation's reverse-plan, valid
// only when the operation failed and recorded one (§4.8 "Rollback").
func (c *Coordinator) RollbackOperation(ctx context.Context, id string) bool {
	c.mu.Lock()
	s, ok := c.operations[id]
	if !ok || s.op.Status != types.SyncFailed || len(s.reversePlan) == 0 {
		c.mu.Unlock()
		return false
	}
	plan := append([]reverseStep(nil), s.reversePlan...)
	c.mu.Unlock()

	for i := len(plan) - 1; i >= 0; i-- {
		step := plan[i]
		if step.prior == nil {
			continue // entity did not exist before; nothing to restore
		}
		_ = c.g.CreateOrUpdateEntity(ctx, graph.Entity{ID: step.entityID, Data: step.prior}, graph.BulkOptions{Upsert: true})
	}
	return true
}

func (c *Coordinator) runOperation(id string) {
	c.mu.Lock()
	s, ok := c.operations[id]
	if ok {
		s.op.Status = types.SyncRunning
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.publish(Event{Type: "operationStarted", OperationID: id})

	var err error
	switch s.op.Type {
	case types.SyncFull:
		err = c.runFileList(context.Background(), s, s.paths, types.EventCreated)
	case types.SyncIncremental:
		err = c.runChanges(context.Background(), s)
	case types.SyncPartial:
		err = c.runPartial(context.Background(), s)
	default:
		err = fmt.Errorf("sync: unknown operation type %q", s.op.Type)
	}

	c.mu.Lock()
	now := time.Now()
	s.op.EndTime = &now
	if s.cancelRequested {
		s.op.Status = types.SyncFailed
		s.op.Errors = append(s.op.Errors, "cancelled")
	} else if err != nil {
		s.op.Status = types.SyncFailed
		s.op.Errors = append(s.op.Errors, err.Error())
	} else {
		s.op.Status = types.SyncCompleted
	}
	finalStatus := s.op.Status
	c.mu.Unlock()

	if finalStatus == types.SyncFailed {
		c.publish(Event{Type: "operationFailed", OperationID: id, Error: err})
	} else {
		c.publish(Event{Type: "operationCompleted", OperationID: id})
	}
}

func (c *Coordinator) runFileList(ctx context.Context, s *opState, paths []string, eventType types.EventType) error {
	for i, path := range paths {
		if c.checkCancelled(s) {
			return nil
		}
		event := &types.ChangeEvent{ID: uuid.NewString(), FilePath: path, EventType: eventType, Timestamp: time.Now()}
		if err := c.pipeline.IngestChangeEvent(event); err != nil {
			return err
		}
		c.countParseResult(ctx, s, path, eventType)
		c.mu.Lock()
		s.op.Counters.FilesProcessed++
		c.mu.Unlock()
		c.publish(Event{Type: "syncProgress", OperationID: s.op.ID, Phase: "processing", Progress: progressFraction(i+1, len(paths))})
	}
	return nil
}

func (c *Coordinator) runChanges(ctx context.Context, s *opState) error {
	for i, change := range s.changes {
		if c.checkCancelled(s) {
			return nil
		}
		ch := change
		if err := c.pipeline.IngestChangeEvent(&ch); err != nil {
			return err
		}
		c.countParseResult(ctx, s, ch.FilePath, ch.EventType)
		c.mu.Lock()
		s.op.Counters.FilesProcessed++
		c.mu.Unlock()
		c.publish(Event{Type: "syncProgress", OperationID: s.op.ID, Phase: "processing", Progress: progressFraction(i+1, len(s.changes))})
	}
	return nil
}

// countParseResult synchronously parses path to account for the
// entities/relationships the async pipeline write produces:
// IngestChangeEvent only enqueues a parse task and returns immediately,
// giving the coordinator no way to read back what it actually wrote, so
// counts are derived here from a parallel, synchronous parse of the
// same path (§8 seed scenario 1's entitiesCreated/relationshipsCreated).
func (c *Coordinator) countParseResult(ctx context.Context, s *opState, path string, eventType types.EventType) {
	if eventType == types.EventDeleted {
		c.mu.Lock()
		s.op.Counters.EntitiesDeleted++
		c.mu.Unlock()
		return
	}

	res, err := c.parse.ParseFile(ctx, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		s.op.Errors = append(s.op.Errors, err.Error())
		return
	}
	for _, pe := range res.Errors {
		s.op.Errors = append(s.op.Errors, pe.Error())
	}
	if eventType == types.EventModified {
		s.op.Counters.EntitiesUpdated += int64(len(res.Entities))
	} else {
		s.op.Counters.EntitiesCreated += int64(len(res.Entities))
	}
	s.op.Counters.RelationshipsCreated += int64(len(res.Relationships))
}

// runPartial applies field-level updates directly against the graph
// collaborator, honoring ConflictResolution (§4.8) since these are not
// file reparses but targeted field merges. Each change's declared Op
// drives which counter moves and, for deletes, which code path runs
// (§8 seed scenario 3: create/update/delete carried per-entity).
func (c *Coordinator) runPartial(ctx context.Context, s *opState) error {
	i := 0
	total := len(s.updates)
	for entityID, change := range s.updates {
		if c.checkCancelled(s) {
			return nil
		}
		i++

		if change.Op == PartialOpDelete {
			existingRows, err := c.g.Query(ctx, "entity.get", map[string]any{"entityId": entityID})
			if err != nil {
				return fmt.Errorf("sync: reading entity %s: %w", entityID, err)
			}
			var existing map[string]any
			if len(existingRows) > 0 {
				existing = existingRows[0]
			}
			if s.opts.RollbackOnError {
				c.mu.Lock()
				s.reversePlan = append(s.reversePlan, reverseStep{entityID: entityID, prior: existing})
				c.mu.Unlock()
			}
			if err := c.g.DeleteEntity(ctx, entityID); err != nil {
				return fmt.Errorf("sync: deleting entity %s: %w", entityID, err)
			}
			c.mu.Lock()
			s.op.Counters.EntitiesDeleted++
			c.mu.Unlock()
			c.publish(Event{Type: "syncProgress", OperationID: s.op.ID, Phase: "merging", Progress: progressFraction(i, total)})
			continue
		}

		existingRows, err := c.g.Query(ctx, "entity.get", map[string]any{"entityId": entityID})
		if err != nil {
			return fmt.Errorf("sync: reading entity %s: %w", entityID, err)
		}
		var existing map[string]any
		if len(existingRows) > 0 {
			existing = existingRows[0]
		}

		final, applied := resolveConflict(s.opts.ConflictResolution, existing, change.Fields)
		if applied {
			if s.opts.RollbackOnError {
				c.mu.Lock()
				s.reversePlan = append(s.reversePlan, reverseStep{entityID: entityID, prior: existing})
				c.mu.Unlock()
			}
			if err := c.g.CreateOrUpdateEntity(ctx, graph.Entity{ID: entityID, Data: final}, graph.BulkOptions{Upsert: true}); err != nil {
				return fmt.Errorf("sync: writing entity %s: %w", entityID, err)
			}
			c.mu.Lock()
			if change.Op == PartialOpCreate {
				s.op.Counters.EntitiesCreated++
			} else {
				s.op.Counters.EntitiesUpdated++
			}
			c.mu.Unlock()
		}

		c.publish(Event{Type: "syncProgress", OperationID: s.op.ID, Phase: "merging", Progress: progressFraction(i, total)})
	}
	return nil
}

// resolveConflict applies one of §4.8's conflict-resolution policies;
// the bool reports whether a write should occur at all (skip declines
// when the entity already exists).
func resolveConflict(policy ConflictResolution, existing, incoming map[string]any) (map[string]any, bool) {
	switch policy {
	case ResolveSkip:
		if existing != nil {
			return existing, false
		}
		return incoming, true
	case ResolveMerge:
		merged := make(map[string]any, len(existing)+len(incoming))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range incoming {
			merged[k] = v // incoming wins on scalars, shallow field-wise merge
		}
		return merged, true
	case ResolveOverwrite:
		fallthrough
	default:
		return incoming, true
	}
}

func (c *Coordinator) checkCancelled(s *opState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.cancelRequested
}

func progressFraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// Subscribe returns a channel of Events and an unsubscribe func, the
// standard Subscribe(topic) (<-chan Event, func()) shape from §9. topic
// "*" subscribes to every operation; a specific operationId filters to
// just that operation's events.
func (c *Coordinator) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	c.subMu.Lock()
	c.subscribers[topic] = append(c.subscribers[topic], ch)
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		subs := c.subscribers[topic]
		for i, s := range subs {
			if s == ch {
				c.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (c *Coordinator) publish(ev Event) {
	c.subMu.Lock()
	subs := append([]chan Event(nil), c.subscribers["*"]...)
	subs = append(subs, c.subscribers[ev.OperationID]...)
	c.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
