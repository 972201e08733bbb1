// Package workerpool implements the WorkerPool (§4.3): a dynamically
// sized pool of goroutines dispatching tasks pulled from a
// internal/queue.Manager to handlers registered by task type. Grounded
// on eventbus.Handler's ID()/Handles()/Priority()/Handle() dispatch-
// table shape, generalized from hook handlers to task handlers with
// per-task timeouts, retries, and auto-scaling. Per-task execution is
// capped by a golang.org/x/sync/semaphore.Weighted separate from the
// worker-goroutine count, so that a handler which ignores its
// context's deadline and blocks forever cannot accumulate unbounded
// orphaned goroutines underneath the scaler.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codegraph/ingestsub/internal/queue"
	"github.com/codegraph/ingestsub/internal/types"
	"golang.org/x/sync/semaphore"
)

// HandlerFunc processes one task of the type it was registered for.
type HandlerFunc func(ctx context.Context, task *types.TaskPayload) error

// Config tunes scaling, timeouts, and worker health.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	ScaleUpThreshold  int
	ScaleDownThreshold int
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	WorkerTimeout     time.Duration
	RestartThreshold  int // consecutive failures before a worker is replaced
}

// DefaultConfig ships populated defaults rather than relying on zero
// values.
func DefaultConfig() Config {
	return Config{
		MinWorkers: 2, MaxWorkers: 16,
		ScaleUpThreshold: 50, ScaleDownThreshold: 5,
		ScaleUpCooldown: 5 * time.Second, ScaleDownCooldown: 15 * time.Second,
		WorkerTimeout: 30 * time.Second, RestartThreshold: 5,
	}
}

// Metrics reports pool health for IngestionPipeline's metrics tick.
type Metrics struct {
	WorkerCount  int
	BusyWorkers  int
	TasksHandled int64
	TasksFailed  int64
}

// Pool is the WorkerPool.
type Pool struct {
	cfg   Config
	queue *queue.Manager

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	workers  []*worker

	// execSem bounds concurrently in-flight handler executions
	// independent of worker-goroutine count: a handler that outlives
	// its WorkerTimeout still holds a slot until it actually returns,
	// so runaway handlers throttle new executions instead of piling up
	// goroutines without limit.
	execSem *semaphore.Weighted

	busyWorkers  int64
	tasksHandled int64
	tasksFailed  int64

	lastScaleUp   time.Time
	lastScaleDown time.Time

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type worker struct {
	id              int
	partition       int
	consecutiveFail int
	stopCh          chan struct{}
}

// New builds a WorkerPool bound to a partitioned QueueManager.
func New(q *queue.Manager, cfg Config) *Pool {
	execCap := int64(cfg.MaxWorkers) * 2
	if execCap <= 0 {
		execCap = 1
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]HandlerFunc),
		execSem:  semaphore.NewWeighted(execCap),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a task type to its handler, forming the tagged-
// union dispatch table SPEC_FULL.md §9 standardizes on.
func (p *Pool) RegisterHandler(taskType string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = fn
}

// Start launches cfg.MinWorkers workers and the auto-scaler loop.
func (p *Pool) Start(partitionCount int) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnWorker(i % maxInt(partitionCount, 1))
	}
	p.wg.Add(1)
	go p.scaleLoop(partitionCount)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Pool) spawnWorker(partition int) {
	p.mu.Lock()
	w := &worker{id: len(p.workers), partition: partition, stopCh: make(chan struct{})}
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runWorker(w)
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.processOne(w)
		}
	}
}

func (p *Pool) processOne(w *worker) {
	tasks := p.queue.Dequeue(w.partition, 1)
	if len(tasks) == 0 {
		return
	}
	task := tasks[0]

	p.mu.Lock()
	fn, ok := p.handlers[task.Type]
	p.mu.Unlock()
	if !ok {
		// no registered handler: drop rather than spin forever retrying
		return
	}

	atomic.AddInt64(&p.busyWorkers, 1)
	defer atomic.AddInt64(&p.busyWorkers, -1)

	if err := p.execSem.Acquire(context.Background(), 1); err != nil {
		return
	}

	timeout := p.cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer p.execSem.Release(1)
		done <- fn(ctx, task)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		// execSem stays held until the orphaned goroutine above
		// eventually returns and releases it itself.
	}

	if err != nil {
		w.consecutiveFail++
		atomic.AddInt64(&p.tasksFailed, 1)
		if rerr := p.queue.Requeue(task, err); rerr != nil {
			// retries exhausted; already published task:abandoned
		}
		if p.cfg.RestartThreshold > 0 && w.consecutiveFail >= p.cfg.RestartThreshold {
			p.restartWorker(w)
		}
		return
	}

	w.consecutiveFail = 0
	atomic.AddInt64(&p.tasksHandled, 1)
	p.queue.RecordSuccess(w.partition)
}

// restartWorker stops and replaces a worker that failed
// cfg.RestartThreshold consecutive tasks (§4.3 "Worker health").
func (p *Pool) restartWorker(w *worker) {
	p.mu.Lock()
	found := false
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return // already removed and stopped by a scale-down
	}
	close(w.stopCh)
	p.spawnWorker(w.partition)
}

func (p *Pool) scaleLoop(partitionCount int) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maybeScale(partitionCount)
		}
	}
}

func (p *Pool) maybeScale(partitionCount int) {
	depth := p.queue.Depth()
	now := time.Now()

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()

	if depth >= p.cfg.ScaleUpThreshold && count < p.cfg.MaxWorkers &&
		now.Sub(p.lastScaleUp) >= p.cfg.ScaleUpCooldown {
		p.spawnWorker(count % maxInt(partitionCount, 1))
		p.lastScaleUp = now
		return
	}

	if depth <= p.cfg.ScaleDownThreshold && count > p.cfg.MinWorkers &&
		now.Sub(p.lastScaleDown) >= p.cfg.ScaleDownCooldown {
		p.mu.Lock()
		if len(p.workers) > 0 {
			victim := p.workers[len(p.workers)-1]
			p.workers = p.workers[:len(p.workers)-1]
			p.mu.Unlock()
			close(victim.stopCh)
		} else {
			p.mu.Unlock()
		}
		p.lastScaleDown = now
	}
}

// Stop terminates all workers and the auto-scaler.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

// GetMetrics reports current pool occupancy and throughput counters.
func (p *Pool) GetMetrics() Metrics {
	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()
	return Metrics{
		WorkerCount:  count,
		BusyWorkers:  int(atomic.LoadInt64(&p.busyWorkers)),
		TasksHandled: atomic.LoadInt64(&p.tasksHandled),
		TasksFailed:  atomic.LoadInt64(&p.tasksFailed),
	}
}
