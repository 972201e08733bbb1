// Package batch implements the BatchProcessor (§4.4): idempotent,
// micro-batched, dependency-ordered writes to the knowledge graph.
// Grounded on idgen's content-hash generator for idempotency keys and
// on the general "owned, short-lived graph of nodes" shape the
// teacher's dependency-tree utilities use, re-expressed here for
// execution ordering rather than CLI rendering.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/types"
	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one processEntities/processRelationships/
// processChangeFragments call (§4.4 "Errors").
type BatchResult struct {
	ProcessedCount int
	FailedCount    int
	Warnings       []string
	Success        bool
}

type cachedResult struct {
	result    BatchResult
	expiresAt time.Time
}

// Processor is the BatchProcessor.
type Processor struct {
	g   graph.Graph
	cfg config.BatchingConfig

	mu    sync.Mutex
	cache map[string]cachedResult
	epoch int64
}

// New builds a Processor writing through g. Passing a *graph.DryRun
// puts the pipeline in the dry-run mode §9 describes.
func New(g graph.Graph, cfg config.BatchingConfig) *Processor {
	return &Processor{g: g, cfg: cfg, cache: make(map[string]cachedResult)}
}

// Graph exposes the underlying collaborator for callers that need to
// reach operations the BatchProcessor itself doesn't wrap, e.g.
// embedding writes.
func (p *Processor) Graph() graph.Graph { return p.g }

// idempotencyKey hashes (operation, [{id,type}]) — the content of a
// batch, not its timestamp or caller — so identical resubmissions
// collide, mirroring idgen.GenerateHashID's "content hash, not
// identity" approach but without its nonce/timestamp salt, since here
// deduplication is the entire point.
func idempotencyKey(operation string, items []idAndType) string {
	sorted := append([]idAndType(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	payload, _ := json.Marshal(struct {
		Op    string      `json:"op"`
		Items []idAndType `json:"items"`
	}{operation, sorted})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type idAndType struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (p *Processor) lookupCache(key string) (BatchResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cache[key]
	if !ok || time.Now().After(c.expiresAt) {
		return BatchResult{}, false
	}
	return c.result, true
}

func (p *Processor) storeCache(key string, res BatchResult) {
	ttl := p.cfg.IdempotencyKeyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cachedResult{result: res, expiresAt: time.Now().Add(ttl)}
}

func (p *Processor) nextEpoch() int64 {
	return atomic.AddInt64(&p.epoch, 1)
}

// chunk splits items into micro-batches of at most size n.
func chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		n = len(items)
		if n == 0 {
			n = 1
		}
	}
	var out [][]T
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// ProcessEntities writes entities in micro-batches of entityBatchSize
// with maxConcurrentBatches concurrency, deduplicated by idempotency key.
func (p *Processor) ProcessEntities(ctx context.Context, items []graph.Entity, meta map[string]any) (BatchResult, error) {
	keyItems := make([]idAndType, len(items))
	for i, e := range items {
		keyItems[i] = idAndType{ID: e.ID, Type: e.Type}
	}
	key := idempotencyKey("entities", keyItems)
	if cached, ok := p.lookupCache(key); ok {
		return cached, nil
	}

	if len(items) == 0 {
		res := BatchResult{Success: true}
		p.storeCache(key, res)
		return res, nil
	}

	p.nextEpoch()
	batches := chunk(items, p.cfg.EntityBatchSize)
	res, err := runConcurrent(ctx, p, batches, func(ctx context.Context, b []graph.Entity) (graph.BulkResult, error) {
		return p.g.CreateEntitiesBulk(ctx, b, graph.BulkOptions{BatchSize: p.cfg.EntityBatchSize, Upsert: true})
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("batch: processing entities: %w", err)
	}

	p.storeCache(key, res)
	return res, nil
}

// ProcessRelationships writes relationships in micro-batches, skipping
// (with a warning, not a failure) any whose endpoints are missing
// (§4.4 "Relationship endpoints").
func (p *Processor) ProcessRelationships(ctx context.Context, items []graph.Relationship, meta map[string]any) (BatchResult, error) {
	valid := make([]graph.Relationship, 0, len(items))
	var warnings []string
	for _, r := range items {
		if r.FromID == "" || r.ToID == "" {
			warnings = append(warnings, fmt.Sprintf("relationship %s skipped: missing endpoint(s)", r.ID))
			continue
		}
		valid = append(valid, r)
	}

	keyItems := make([]idAndType, len(valid))
	for i, r := range valid {
		keyItems[i] = idAndType{ID: r.ID, Type: r.Type}
	}
	key := idempotencyKey("relationships", keyItems)
	if cached, ok := p.lookupCache(key); ok {
		cached.Warnings = append(cached.Warnings, warnings...)
		return cached, nil
	}

	if len(valid) == 0 {
		res := BatchResult{Success: true, Warnings: warnings}
		p.storeCache(key, res)
		return res, nil
	}

	p.nextEpoch()
	batches := chunk(valid, p.cfg.RelationshipBatchSize)
	res, err := runConcurrent(ctx, p, batches, func(ctx context.Context, b []graph.Relationship) (graph.BulkResult, error) {
		return p.g.CreateRelationshipsBulk(ctx, b, graph.BulkOptions{BatchSize: p.cfg.RelationshipBatchSize})
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("batch: processing relationships: %w", err)
	}
	res.Warnings = append(res.Warnings, warnings...)

	p.storeCache(key, res)
	return res, nil
}

// runConcurrent fans micro-batches out across maxConcurrentBatches
// goroutines via errgroup and folds their BulkResults into one
// BatchResult (§4.4 "Micro-batching").
func runConcurrent[T any](ctx context.Context, p *Processor, batches [][]T, call func(context.Context, []T) (graph.BulkResult, error)) (BatchResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	concurrency := p.cfg.MaxConcurrentBatches
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	var mu sync.Mutex
	total := BatchResult{Success: true}

	for _, b := range batches {
		b := b
		g.Go(func() error {
			br, err := call(gctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				total.FailedCount += len(b)
				total.Success = false
				return fmt.Errorf("micro-batch failed: %w", err)
			}
			total.ProcessedCount += br.Processed
			total.FailedCount += br.Failed
			if br.Failed > 0 {
				total.Success = false
			}
			return nil
		})
	}

	err := g.Wait()
	return total, err
}
