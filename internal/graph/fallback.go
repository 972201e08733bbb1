package graph

import "context"

// SingularGraph is a backend that only implements per-item writes.
// BulkFallback promotes it to a full Graph by looping serially, the
// "adapter falls back to serial per-item calls" behavior required when
// bulk APIs are absent (§6).
type SingularGraph interface {
	CreateOrUpdateEntity(ctx context.Context, item Entity, opts BulkOptions) error
	CreateRelationship(ctx context.Context, item Relationship) error
	DeleteEntity(ctx context.Context, id string) error
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// BulkFallback adapts a SingularGraph to Graph.
type BulkFallback struct {
	backend   SingularGraph
	batchSize int
}

// NewBulkFallback wraps backend. batchSize is stored but no method reads
// it: every bulk call writes its items one by one, in a single pass.
func NewBulkFallback(backend SingularGraph, batchSize int) *BulkFallback {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &BulkFallback{backend: backend, batchSize: batchSize}
}

func (f *BulkFallback) CreateEntitiesBulk(ctx context.Context, items []Entity, opts BulkOptions) (BulkResult, error) {
	var res BulkResult
	for _, e := range items {
		if err := f.backend.CreateOrUpdateEntity(ctx, e, opts); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (f *BulkFallback) CreateRelationshipsBulk(ctx context.Context, items []Relationship, opts BulkOptions) (BulkResult, error) {
	var res BulkResult
	for _, r := range items {
		if r.FromID == "" || r.ToID == "" {
			res.Failed++
			continue
		}
		if err := f.backend.CreateRelationship(ctx, r); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (f *BulkFallback) CreateEmbeddingsBatch(ctx context.Context, items []EmbeddingRequest, opts BulkOptions) (BulkResult, error) {
	// embedding generation is an optional external collaborator (§6);
	// a SingularGraph backend has no embedding hook, so this is a no-op
	// that reports every item as unprocessed rather than failing it.
	return BulkResult{}, nil
}

func (f *BulkFallback) CreateOrUpdateEntity(ctx context.Context, item Entity, opts BulkOptions) error {
	return f.backend.CreateOrUpdateEntity(ctx, item, opts)
}

func (f *BulkFallback) CreateRelationship(ctx context.Context, item Relationship) error {
	return f.backend.CreateRelationship(ctx, item)
}

func (f *BulkFallback) DeleteEntity(ctx context.Context, id string) error {
	return f.backend.DeleteEntity(ctx, id)
}

func (f *BulkFallback) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return f.backend.Query(ctx, query, params)
}
