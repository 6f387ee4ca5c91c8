package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/types"
)

// InMemoryStore is a map-backed MemoryStore for tests and small
// deployments. Search is exact cosine over all records in scope.
type InMemoryStore struct {
	mu       sync.RWMutex
	memories map[string]*types.Memory
	logger   *zap.Logger
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		memories: make(map[string]*types.Memory),
		logger:   logger.With(zap.String("component", "store_inmemory")),
	}
}

func inScope(m *types.Memory, scope types.Scope) bool {
	return m.EntityID == scope.EntityID && m.Scope.Key() == scope.Key()
}

// Upsert writes a memory keyed by its ID.
func (s *InMemoryStore) Upsert(ctx context.Context, mem *types.Memory) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := mem.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[mem.ID] = mem.Clone()
	return mem.ID, nil
}

// GetByIDs fetches memories by id within a scope; missing ids are skipped.
func (s *InMemoryStore) GetByIDs(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.memories[id]; ok && inScope(m, scope) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

// DeleteByIDs removes memories by id within a scope.
func (s *InMemoryStore) DeleteByIDs(ctx context.Context, scope types.Scope, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok && inScope(m, scope) {
			delete(s.memories, id)
		}
	}
	return nil
}

// DeleteByFilter removes a scope's memories, optionally those carrying
// every given tag.
func (s *InMemoryStore) DeleteByFilter(ctx context.Context, scope types.Scope, tags []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memories {
		if !inScope(m, scope) {
			continue
		}
		if !hasAllTags(m, tags) {
			continue
		}
		delete(s.memories, id)
	}
	return nil
}

func hasAllTags(m *types.Memory, tags []string) bool {
	for _, t := range tags {
		if !m.HasTag(t) {
			return false
		}
	}
	return true
}

// SearchVector runs exact cosine nearest-neighbor search within a scope.
func (s *InMemoryStore) SearchVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0)
	for _, m := range s.memories {
		if !inScope(m, scope) {
			continue
		}
		if typeFilter != nil && m.Type != *typeFilter {
			continue
		}
		if len(m.Embedding) == 0 {
			continue
		}
		results = append(results, SearchResult{
			Memory:     m.Clone(),
			Similarity: cosine32(query, m.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// SearchFullText matches on lowercase substring, ordered newest first.
func (s *InMemoryStore) SearchFullText(ctx context.Context, scope types.Scope, query string, limit, skip int) ([]*types.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	matched := make([]*types.Memory, 0)
	for _, m := range s.memories {
		if inScope(m, scope) && strings.Contains(strings.ToLower(m.Content), needle) {
			matched = append(matched, m.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	return pageOf(matched, limit, skip), nil
}

// ScanPage returns a deterministic page of the scope's records.
func (s *InMemoryStore) ScanPage(ctx context.Context, scope types.Scope, limit, offset int) ([]*types.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := make([]*types.Memory, 0)
	for _, m := range s.memories {
		if inScope(m, scope) {
			all = append(all, m.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].ID < all[j].ID
	})
	return pageOf(all, limit, offset), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// Len reports the total record count across scopes. Test helper.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}

func pageOf(all []*types.Memory, limit, offset int) []*types.Memory {
	if offset >= len(all) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
