// Package parser defines the source-language parser collaborator (§6).
// Parser internals are explicitly out of scope (§1 Non-goals); this
// package only specifies and stubs the interface IngestionPipeline's
// parse handler calls.
package parser

import (
	"context"
	"path/filepath"
)

// ParsedEntity is one entity a parser extracted from a file.
type ParsedEntity struct {
	ID   string
	Type string
	Data map[string]any
}

// ParsedRelationship is one relationship a parser extracted from a file.
type ParsedRelationship struct {
	ID     string
	Type   string
	FromID string
	ToID   string
	Data   map[string]any
}

// ParseError is a non-fatal per-file parse failure (§6: "Errors are
// non-fatal per file; missing files yield a parse error event").
type ParseError struct {
	Path    string
	Message string
}

func (e ParseError) Error() string { return e.Path + ": " + e.Message }

// ParseResult is what ParseFile returns.
type ParseResult struct {
	Entities      []ParsedEntity
	Relationships []ParsedRelationship
	Errors        []ParseError
}

// Parser is the required external interface.
type Parser interface {
	ParseFile(ctx context.Context, path string) (ParseResult, error)
}

// Stub is a deterministic Parser used for tests and for running the
// pipeline without a real language-specific parser wired in: it
// produces one entity per file plus a "contains" relationship from the
// file's parent directory, so callers counting entities/relationships
// against a set of files see both counters move.
type Stub struct{}

func NewStub() Stub { return Stub{} }

func (Stub) ParseFile(ctx context.Context, path string) (ParseResult, error) {
	if path == "" {
		return ParseResult{Errors: []ParseError{{Path: path, Message: "empty path"}}}, nil
	}
	dir := filepath.Dir(path)
	return ParseResult{
		Entities: []ParsedEntity{{ID: path, Type: "file", Data: map[string]any{"path": path}}},
		Relationships: []ParsedRelationship{
			{ID: dir + "->" + path, Type: "contains", FromID: dir, ToID: path},
		},
	}, nil
}
