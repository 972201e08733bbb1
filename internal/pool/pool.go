// Package pool implements the ConnectionPool (§4.1): the sole mediator
// of external key/value-store connections. Every other component reaches
// Redis only through Pool.Execute/Acquire — direct client construction
// elsewhere is forbidden by the concurrency model (§5).
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/google/uuid"
)

// entry is the pool's private bookkeeping around one PooledConnection;
// the client handle itself lives in Store.
type entry struct {
	conn  types.PooledConnection
	store *kv.RedisStore
}

// waiter is a queued acquisition request, served FIFO (§4.1 "Ordering").
type waiter struct {
	role types.ConnectionRole
	ch   chan *entry
}

// Pool is a load-balanced, health-checked pool of Redis connections,
// grounded on daemon/redis_wisp_store.go's client-construction pattern
// generalized to N pooled clients with acquire/release accounting.
type Pool struct {
	cfg      config.PoolConfig
	redisURL string

	mu        sync.Mutex
	conns     map[string]*entry
	available []string // ids of idle connections
	waiters   []*waiter
	closed    bool

	// pendingOpens counts Acquire calls that have claimed a capacity slot
	// and are opening a new connection but haven't inserted it into conns
	// yet — reserved under mu so two concurrent Acquires can't both pass
	// the len(conns) < MaxConnections check and jointly overshoot it.
	pendingOpens int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a pool and opens minConnections eagerly.
func New(ctx context.Context, redisURL string, cfg config.PoolConfig) (*Pool, error) {
	p := &Pool{
		cfg:      cfg,
		redisURL: redisURL,
		conns:    make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		e, err := p.open(ctx, types.RoleReadWrite)
		if err != nil {
			return nil, fmt.Errorf("pool: opening initial connection %d/%d: %w", i+1, cfg.MinConnections, err)
		}
		p.mu.Lock()
		p.conns[e.conn.ID] = e
		p.available = append(p.available, e.conn.ID)
		p.mu.Unlock()
	}

	p.wg.Add(2)
	go p.healthLoop()
	go p.reapLoop()

	return p, nil
}

func (p *Pool) open(ctx context.Context, role types.ConnectionRole) (*entry, error) {
	store, err := kv.Connect(ctx, p.redisURL)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &entry{
		store: store,
		conn: types.PooledConnection{
			ID:        uuid.NewString(),
			CreatedAt: now,
			LastUsed:  now,
			IsHealthy: true,
			Role:      role,
		},
	}, nil
}

// Acquire returns a connection matching preferredRole (readwrite
// connections satisfy any role), opening a new one if under max, or
// queueing FIFO until acquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context, preferredRole types.ConnectionRole) (*types.PooledConnection, error) {
	if preferredRole == "" {
		preferredRole = types.RoleReadWrite
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrPoolShuttingDown, "pool is shutting down")
	}

	if e := p.takeAvailableLocked(preferredRole); e != nil {
		p.mu.Unlock()
		return &e.conn, nil
	}

	if len(p.conns)+p.pendingOpens < p.cfg.MaxConnections {
		p.pendingOpens++
		p.mu.Unlock()

		e, err := p.open(ctx, preferredRole)

		p.mu.Lock()
		p.pendingOpens--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: opening connection: %w", err)
		}
		e.conn.InUse = true
		e.conn.UsageCount++
		p.conns[e.conn.ID] = e
		p.mu.Unlock()
		return &e.conn, nil
	}

	w := &waiter{role: preferredRole, ch: make(chan *entry, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-w.ch:
		if !ok {
			// Shutdown closed the channel instead of handing over a connection.
			return nil, types.NewError(types.ErrPoolShuttingDown, "pool is shutting down")
		}
		return &e.conn, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, types.NewError(types.ErrAcquireTimeout, "timed out waiting for a connection")
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, types.Wrap(types.ErrCancelled, "acquire cancelled", ctx.Err())
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// takeAvailableLocked picks the least-used matching idle connection
// (load balancing, §4.1). Caller holds p.mu.
func (p *Pool) takeAvailableLocked(role types.ConnectionRole) *entry {
	bestIdx := -1
	var best *entry
	for i, id := range p.available {
		e := p.conns[id]
		if e == nil || !e.conn.IsHealthy {
			continue
		}
		if e.conn.Role != role && e.conn.Role != types.RoleReadWrite {
			continue
		}
		if best == nil || e.conn.UsageCount < best.conn.UsageCount {
			best, bestIdx = e, i
		}
	}
	if best == nil {
		return nil
	}
	p.available = append(p.available[:bestIdx], p.available[bestIdx+1:]...)
	best.conn.InUse = true
	best.conn.UsageCount++
	best.conn.LastUsed = time.Now()
	return best
}

// Release returns a connection to the pool, handing it directly to the
// longest-waiting queued acquisition if one matches (§4.1 "Ordering").
func (p *Pool) Release(conn *types.PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.conns[conn.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.conn.InUse = false
	e.conn.LastUsed = time.Now()

	for i, w := range p.waiters {
		if e.conn.Role == w.role || e.conn.Role == types.RoleReadWrite {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			e.conn.InUse = true
			e.conn.UsageCount++
			p.mu.Unlock()
			w.ch <- e
			return
		}
	}

	p.available = append(p.available, conn.ID)
	p.mu.Unlock()
}

// Execute acquires a connection, runs fn against its store, and
// releases it on every exit path (§9 "resource scoping").
func Execute[T any](ctx context.Context, p *Pool, preferredRole types.ConnectionRole, fn func(ctx context.Context, store kv.Store) (T, error)) (T, error) {
	var zero T
	conn, err := p.Acquire(ctx, preferredRole)
	if err != nil {
		return zero, err
	}
	defer p.Release(conn)

	p.mu.Lock()
	e := p.conns[conn.ID]
	p.mu.Unlock()
	if e == nil {
		return zero, types.NewError(types.ErrInvalidState, "connection vanished between acquire and use")
	}
	return fn(ctx, e.store)
}

// Stats summarizes current pool occupancy.
type Stats struct {
	Total     int
	Available int
	InUse     int
	Waiting   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     len(p.conns),
		Available: len(p.available),
		InUse:     len(p.conns) - len(p.available),
		Waiting:   len(p.waiters),
	}
}

// Status reports whether the pool still meets its minimum-connections
// invariant.
func (p *Pool) Status() string {
	s := p.Stats()
	if p.closed {
		return "shutting_down"
	}
	if s.Total < p.cfg.MinConnections {
		return "degraded"
	}
	return "healthy"
}

// Shutdown stops background loops, rejects all queued acquisitions with
// PoolShuttingDown, and closes every connection.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	conns := p.conns
	p.conns = make(map[string]*entry)
	p.available = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	close(p.stopCh)
	p.wg.Wait()

	for _, e := range conns {
		_ = e.store.Quit(ctx)
	}
	return nil
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id, e := range p.conns {
		if !e.conn.InUse {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		e, ok := p.conns[id]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := e.store.Ping(ctx); err != nil {
			p.mu.Lock()
			e.conn.IsHealthy = false
			healthyCount := p.countHealthyLocked()
			if healthyCount >= p.cfg.MinConnections {
				p.destroyLocked(id)
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) countHealthyLocked() int {
	n := 0
	for _, e := range p.conns {
		if e.conn.IsHealthy {
			n++
		}
	}
	return n
}

// destroyLocked removes a connection from bookkeeping; caller holds p.mu.
func (p *Pool) destroyLocked(id string) {
	e, ok := p.conns[id]
	if !ok {
		return
	}
	delete(p.conns, id)
	for i, aid := range p.available {
		if aid == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	go e.store.Quit(context.Background())
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.conns) > p.cfg.MinConnections {
		victim := ""
		for _, id := range p.available {
			e := p.conns[id]
			if now.Sub(e.conn.LastUsed) >= idleTimeout {
				victim = id
				break
			}
		}
		if victim == "" {
			return
		}
		p.destroyLocked(victim)
	}
}
