package graph

import (
	"context"
	"sync"
)

// DryRun is a no-op Graph that records every call it receives. It
// satisfies SPEC_FULL.md §6's "absence switches BatchProcessor to a
// dry-run mode useful for tests".
type DryRun struct {
	mu            sync.Mutex
	Entities      []Entity
	Relationships []Relationship
	Embeddings    []EmbeddingRequest
	Queries       []string
	byID          map[string]Entity
}

func NewDryRun() *DryRun { return &DryRun{byID: make(map[string]Entity)} }

func (d *DryRun) CreateEntitiesBulk(ctx context.Context, items []Entity, opts BulkOptions) (BulkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Entities = append(d.Entities, items...)
	for _, item := range items {
		d.indexLocked(item)
	}
	return BulkResult{Processed: len(items)}, nil
}

func (d *DryRun) CreateRelationshipsBulk(ctx context.Context, items []Relationship, opts BulkOptions) (BulkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Relationships = append(d.Relationships, items...)
	return BulkResult{Processed: len(items)}, nil
}

func (d *DryRun) CreateEmbeddingsBatch(ctx context.Context, items []EmbeddingRequest, opts BulkOptions) (BulkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Embeddings = append(d.Embeddings, items...)
	return BulkResult{Processed: len(items)}, nil
}

func (d *DryRun) CreateOrUpdateEntity(ctx context.Context, item Entity, opts BulkOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Entities = append(d.Entities, item)
	d.indexLocked(item)
	return nil
}

// indexLocked keeps the latest write for each entity id addressable by
// Query's "entity.get", since real graph backends let callers read back
// what they wrote but the Entities slice is append-only history.
func (d *DryRun) indexLocked(item Entity) {
	if item.ID == "" {
		return
	}
	if d.byID == nil {
		d.byID = make(map[string]Entity)
	}
	d.byID[item.ID] = item
}

func (d *DryRun) CreateRelationship(ctx context.Context, item Relationship) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Relationships = append(d.Relationships, item)
	return nil
}

// DeleteEntity removes an entity from the readback index. The append-only
// Entities/Relationships history (and Count) is left untouched, since it
// records writes rather than current graph state.
func (d *DryRun) DeleteEntity(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byID, id)
	return nil
}

func (d *DryRun) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Queries = append(d.Queries, query)

	if query == "entity.get" {
		id, _ := params["entityId"].(string)
		entity, ok := d.byID[id]
		if !ok {
			return nil, nil
		}
		row := make(map[string]any, len(entity.Data))
		for k, v := range entity.Data {
			row[k] = v
		}
		return []map[string]any{row}, nil
	}
	return nil, nil
}

// Count returns the total number of recorded entity+relationship writes,
// used by tests asserting idempotent no-op replays.
func (d *DryRun) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Entities) + len(d.Relationships)
}
