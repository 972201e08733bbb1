// Package graph defines the knowledge-graph collaborator (§6): the
// polymorphic backend BatchProcessor writes entities, relationships,
// and embeddings to. Its absence switches BatchProcessor to dry-run
// mode (§9), useful for tests and for running the pipeline without a
// live graph backend.
package graph

import "context"

// Entity is a graph node write. Fields are intentionally loose (map
// data) since the concrete schema lives entirely in the external graph
// backend, outside this repo's scope (§1 Non-goals).
type Entity struct {
	ID     string
	Type   string
	Data   map[string]any
}

// Relationship is a graph edge write between two entity ids.
type Relationship struct {
	ID       string
	Type     string
	FromID   string
	ToID     string
	Data     map[string]any
}

// EmbeddingRequest asks the embedding service (§6, optional) to vectorize
// an entity.
type EmbeddingRequest struct {
	EntityID string
	Text     string
}

// BulkOptions tunes a bulk write (batch size, upsert semantics, ...).
type BulkOptions struct {
	BatchSize int
	Upsert    bool
}

// BulkResult reports per-item outcomes of a bulk write.
type BulkResult struct {
	Processed int
	Failed    int
	Errors    []error
}

// Graph is the required external interface (§6 "Graph backend"). Bulk
// APIs are preferred; BulkFallback (fallback.go) falls back to serial
// per-item calls when a backend only implements the singular methods.
type Graph interface {
	CreateEntitiesBulk(ctx context.Context, items []Entity, opts BulkOptions) (BulkResult, error)
	CreateRelationshipsBulk(ctx context.Context, items []Relationship, opts BulkOptions) (BulkResult, error)
	CreateEmbeddingsBatch(ctx context.Context, items []EmbeddingRequest, opts BulkOptions) (BulkResult, error)
	CreateOrUpdateEntity(ctx context.Context, item Entity, opts BulkOptions) error
	CreateRelationship(ctx context.Context, item Relationship) error
	DeleteEntity(ctx context.Context, id string) error
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}
