// Package queue implements the QueueManager (§4.2): N partitioned
// priority queues with backpressure, scheduled tasks, and retry with
// exponential backoff + jitter. Grounded on eventbus.Bus's priority-
// sorted dispatch and publishToJetStream subject routing, generalized
// from hook events to TaskPayloads and from single-shot dispatch to a
// in-process, partitioned, retryable queue.
package queue

import (
	"container/heap"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/idgen"
	"github.com/codegraph/ingestsub/internal/types"
)

// Strategy picks which partition a task lands in.
type Strategy string

const (
	StrategyHash       Strategy = "hash"
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
)

// item is a queue entry; seq breaks priority ties FIFO, matching §4.2
// "(a) higher priority first, (b) otherwise FIFO".
type item struct {
	task *types.TaskPayload
	seq  uint64
}

// priorityHeap is a max-heap on (priority, -seq).
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// partition is one of N independent queues (§5 "QueueManager owns its
// partitions exclusively").
type partition struct {
	mu        sync.Mutex
	ready     priorityHeap
	scheduled []*item // held for a future scheduledAt, swept into ready
	successes int64
	failures  int64
}

// Metrics reports the QueueManager's health (§4.2 "Metrics").
type Metrics struct {
	QueueDepth     int
	OldestEventAge time.Duration
	PerPartition   []int
	Throughput     float64 // tasks/s; GetMetrics does not compute it, so it is always 0
	ErrorRate      float64
}

// Manager is the QueueManager.
type Manager struct {
	cfg        config.QueuesConfig
	strategy   Strategy
	partitions []*partition
	seqCounter uint64
	rrCounter  uint64

	mu         sync.Mutex
	subscribers map[string][]chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Event is published on named topics per §9 (pipeline:*, ... the queue
// contributes task:abandoned; an Enqueue refused under backpressure
// returns QueueOverflow and publishes no event).
type Event struct {
	Topic string
	Task  *types.TaskPayload
	Error error
}

// New builds a QueueManager with cfg.PartitionCount partitions and
// starts the scheduled-task sweeper.
func New(cfg config.QueuesConfig, strategy Strategy) *Manager {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 1
	}
	m := &Manager{
		cfg:         cfg,
		strategy:    strategy,
		partitions:  make([]*partition, cfg.PartitionCount),
		subscribers: make(map[string][]chan Event),
		stopCh:      make(chan struct{}),
	}
	for i := range m.partitions {
		m.partitions[i] = &partition{}
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Subscribe returns a channel of events on topic and an unsubscribe
// func, the standard shape from SPEC_FULL.md §9.
func (m *Manager) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.subscribers[topic] = append(m.subscribers[topic], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[topic]
		for i, c := range subs {
			if c == ch {
				m.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	subs := append([]chan Event(nil), m.subscribers[ev.Topic]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// partitionFor picks a stable partition index for a given key/task,
// per §4.2 "Partitioning".
func (m *Manager) partitionFor(task *types.TaskPayload, partitionKey string) int {
	n := len(m.partitions)
	switch m.strategy {
	case StrategyPriority:
		// higher priority -> lower-index partition: priorities 10..0 are
		// spread over partitions 0..n-1 without wrapping around
		pr := task.Priority
		if pr < 0 {
			pr = 0
		} else if pr > 10 {
			pr = 10
		}
		return (10 - pr) * n / 11
	case StrategyRoundRobin:
		c := atomic.AddUint64(&m.rrCounter, 1)
		return int(c) % n
	default: // hash
		key := partitionKey
		if key == "" {
			key = task.ID
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return int(h.Sum32()) % n
	}
}

// Depth returns the total queued task count across all partitions.
func (m *Manager) Depth() int {
	total := 0
	for _, p := range m.partitions {
		p.mu.Lock()
		total += len(p.ready) + len(p.scheduled)
		p.mu.Unlock()
	}
	return total
}

// IsBackpressured reports whether total depth has reached the
// configured threshold (§4.2 "Backpressure").
func (m *Manager) IsBackpressured() bool {
	if !m.cfg.EnableBackpressure {
		return false
	}
	return m.Depth() >= m.cfg.BackpressureThreshold
}

// Enqueue adds a task to its partition, or fails fast with
// QueueOverflow under backpressure. A task.ID left blank is assigned a
// content-derived ID (task type + partition key + enqueue time +
// sequence nonce) via internal/idgen rather than a random UUID; since
// the enqueue time and sequence number are hashed in, two enqueues of
// the same task get different ids.
func (m *Manager) Enqueue(task *types.TaskPayload, partitionKey string) error {
	if m.IsBackpressured() {
		return types.NewError(types.ErrQueueOverflow, "queue depth at or above backpressure threshold")
	}
	seq := atomic.AddUint64(&m.seqCounter, 1)
	if task.ID == "" {
		task.ID = idgen.GenerateHashID("task", task.Type, partitionKey, "", time.Now(), 8, int(seq))
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	idx := m.partitionFor(task, partitionKey)
	p := m.partitions[idx]
	it := &item{task: task, seq: seq}

	p.mu.Lock()
	defer p.mu.Unlock()
	if task.ScheduledAt != nil && task.ScheduledAt.After(time.Now()) {
		p.scheduled = append(p.scheduled, it)
		return nil
	}
	heap.Push(&p.ready, it)
	return nil
}

// Dequeue pops up to n tasks from one partition, highest priority
// first, ties broken FIFO.
func (m *Manager) Dequeue(partitionID int, n int) []*types.TaskPayload {
	if partitionID < 0 || partitionID >= len(m.partitions) {
		return nil
	}
	p := m.partitions[partitionID]
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*types.TaskPayload, 0, n)
	for i := 0; i < n && p.ready.Len() > 0; i++ {
		it := heap.Pop(&p.ready).(*item)
		out = append(out, it.task)
	}
	return out
}

// DequeueBatch drains up to cfg.BatchSize tasks from partitionID, or,
// when partitionID is negative, from the partitions in index order
// starting at partition 0 until the batch is full.
func (m *Manager) DequeueBatch(partitionID int) []*types.TaskPayload {
	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	if partitionID >= 0 {
		return m.Dequeue(partitionID, batchSize)
	}
	out := make([]*types.TaskPayload, 0, batchSize)
	for _, p := range m.partitions {
		remaining := batchSize - len(out)
		if remaining <= 0 {
			break
		}
		out = append(out, m.Dequeue(indexOf(m.partitions, p), remaining)...)
	}
	return out
}

func indexOf(ps []*partition, target *partition) int {
	for i, p := range ps {
		if p == target {
			return i
		}
	}
	return -1
}

// DequeueByPriority picks the top-n highest-priority tasks across all
// partitions, a global order unlike per-partition Dequeue (§4.2).
func (m *Manager) DequeueByPriority(n int) []*types.TaskPayload {
	type candidate struct {
		partIdx int
		it      *item
	}
	var candidates []candidate
	for pi, p := range m.partitions {
		p.mu.Lock()
		for _, it := range p.ready {
			candidates = append(candidates, candidate{pi, it})
		}
		p.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].it.task.Priority != candidates[j].it.task.Priority {
			return candidates[i].it.task.Priority > candidates[j].it.task.Priority
		}
		return candidates[i].it.seq < candidates[j].it.seq
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]*types.TaskPayload, 0, len(candidates))
	for _, c := range candidates {
		p := m.partitions[c.partIdx]
		p.mu.Lock()
		removeItem(&p.ready, c.it)
		p.mu.Unlock()
		out = append(out, c.it.task)
	}
	return out
}

func removeItem(h *priorityHeap, target *item) {
	for i, it := range *h {
		if it == target {
			heap.Remove(h, i)
			return
		}
	}
}

// Requeue reinserts task with retryCount+1 and a jittered exponential
// backoff delay, or drops it and emits task:abandoned once retries are
// exhausted (§4.2 "Retry").
func (m *Manager) Requeue(task *types.TaskPayload, cause error) error {
	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		m.publish(Event{Topic: "task:abandoned", Task: task, Error: cause})
		return types.Wrap(types.ErrRetryExhausted, "task exceeded maxRetries", cause)
	}

	delay := m.retryDelay(task.RetryCount)
	scheduledAt := time.Now().Add(delay)
	task.ScheduledAt = &scheduledAt
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if cause != nil {
		task.Metadata["lastError"] = cause.Error()
	}

	idx := m.partitionFor(task, "")
	p := m.partitions[idx]
	p.mu.Lock()
	p.failures++
	seq := atomic.AddUint64(&m.seqCounter, 1)
	p.scheduled = append(p.scheduled, &item{task: task, seq: seq})
	p.mu.Unlock()
	return nil
}

// retryDelay computes the jittered exponential backoff for a task on
// its retryCount-th attempt using backoff.ExponentialBackOff, capped
// at 60s, rather than hand-rolling the ±25% jitter formula.
func (m *Manager) retryDelay(retryCount int) time.Duration {
	base := m.cfg.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // no overall cap; Requeue itself enforces MaxRetries
	b.Reset()            // restart from InitialInterval = base

	var delay time.Duration
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = b.MaxInterval
	}
	return delay
}

// RecordSuccess increments the owning partition's success counter for
// error-rate metrics.
func (m *Manager) RecordSuccess(partitionID int) {
	if partitionID < 0 || partitionID >= len(m.partitions) {
		return
	}
	p := m.partitions[partitionID]
	p.mu.Lock()
	p.successes++
	p.mu.Unlock()
}

// GetMetrics computes the rollup described in §4.2 "Metrics".
func (m *Manager) GetMetrics() Metrics {
	var oldest time.Time
	perPartition := make([]int, len(m.partitions))
	var successes, failures int64

	for i, p := range m.partitions {
		p.mu.Lock()
		perPartition[i] = len(p.ready) + len(p.scheduled)
		for _, it := range p.ready {
			if oldest.IsZero() || it.task.CreatedAt.Before(oldest) {
				oldest = it.task.CreatedAt
			}
		}
		successes += p.successes
		failures += p.failures
		p.mu.Unlock()
	}

	depth := 0
	for _, d := range perPartition {
		depth += d
	}

	var age time.Duration
	if !oldest.IsZero() {
		age = time.Since(oldest)
	}

	var errRate float64
	if total := successes + failures; total > 0 {
		errRate = float64(failures) / float64(total)
	}

	return Metrics{
		QueueDepth:     depth,
		OldestEventAge: age,
		PerPartition:   perPartition,
		ErrorRate:      errRate,
	}
}

// GetPartitionStatus reports queue depth per partition.
func (m *Manager) GetPartitionStatus() []int {
	out := make([]int, len(m.partitions))
	for i, p := range m.partitions {
		p.mu.Lock()
		out[i] = len(p.ready)
		p.mu.Unlock()
	}
	return out
}

// sweepLoop moves scheduled tasks whose time has arrived into the ready
// heap of their partition (§4.2 "Scheduled tasks").
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, p := range m.partitions {
				p.mu.Lock()
				remaining := p.scheduled[:0]
				for _, it := range p.scheduled {
					if it.task.Ready(now) {
						heap.Push(&p.ready, it)
					} else {
						remaining = append(remaining, it)
					}
				}
				p.scheduled = remaining
				p.mu.Unlock()
			}
		}
	}
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
