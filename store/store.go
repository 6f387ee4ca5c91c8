// Package store provides the durable memory store adapters.
//
// The engine delegates nearest-neighbor search entirely to the backing
// store; this package owns typed CRUD, scope filtering, and the payload
// codec, never ranking decisions. All adapters filter scope on scalar
// predicates only: the scope is serialized to a single string key
// (types.Scope.Key) next to the entity id.
package store

import (
	"context"

	"github.com/evermind-ai/evermind/types"
)

// SearchResult pairs a memory with its cosine similarity to the query,
// in [-1,1], highest first.
type SearchResult struct {
	Memory     *types.Memory
	Similarity float64
}

// MemoryStore is the adapter contract over the external document store.
//
// Pagination contract for ScanPage and SearchFullText: callers loop,
// advancing the offset, until a page shorter than the requested limit
// comes back.
type MemoryStore interface {
	// Upsert writes a memory keyed by its ID and returns that ID.
	Upsert(ctx context.Context, mem *types.Memory) (string, error)

	// GetByIDs fetches memories by id within a scope. Missing ids are
	// skipped, not errors.
	GetByIDs(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error)

	// DeleteByIDs removes memories by id within a scope.
	DeleteByIDs(ctx context.Context, scope types.Scope, ids []string) error

	// DeleteByFilter removes all memories in a scope, optionally
	// restricted to those carrying every given tag.
	DeleteByFilter(ctx context.Context, scope types.Scope, tags []string) error

	// SearchVector runs nearest-neighbor search within a scope,
	// optionally restricted to one memory type.
	SearchVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]SearchResult, error)

	// SearchFullText runs a text match within a scope.
	SearchFullText(ctx context.Context, scope types.Scope, query string, limit, skip int) ([]*types.Memory, error)

	// ScanPage returns one page of a deterministic full scan of a scope,
	// for bulk export.
	ScanPage(ctx context.Context, scope types.Scope, limit, offset int) ([]*types.Memory, error)

	// Close releases backend resources.
	Close() error
}

// TypeFilter is a convenience for building optional type filters.
func TypeFilter(t types.MemoryType) *types.MemoryType { return &t }
