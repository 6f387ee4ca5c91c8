// Package cold implements the durable memory layer on top of a vector
// store adapter. It owns record validation, write-time embedding, and
// typed retrieval; ranking and merge decisions live above it.
package cold

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/types"
)

const scanPageSize = 200

// Options tunes ColdMemory beyond its dependencies.
type Options struct {
	// Metrics is optional.
	Metrics *metrics.Collector
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ColdMemory is the durable store layer.
type ColdMemory struct {
	store    store.MemoryStore
	embedder embedding.Provider
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// New builds the cold layer over the given store and embedding provider.
func New(st store.MemoryStore, embedder embedding.Provider, opts Options, logger *zap.Logger) *ColdMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ColdMemory{
		store:    st,
		embedder: embedder,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "cold_memory")),
		now:      now,
	}
}

// Close releases the backing store.
func (c *ColdMemory) Close() error { return c.store.Close() }

// Save persists a new memory. Core extensions cannot be written directly;
// they exist only through the promotion gate.
func (c *ColdMemory) Save(ctx context.Context, mem *types.Memory) (string, error) {
	if mem.Type == types.MemoryCoreExtension {
		return "", types.NewError(types.ErrValidation,
			"core extensions are created only by pattern promotion")
	}
	return c.save(ctx, mem)
}

// SavePromoted persists a promotion-gate result. It is the single door
// through which CORE_EXTENSION records enter the store.
func (c *ColdMemory) SavePromoted(ctx context.Context, mem *types.Memory) (string, error) {
	return c.save(ctx, mem)
}

func (c *ColdMemory) save(ctx context.Context, mem *types.Memory) (string, error) {
	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	if mem.EntityID == "" {
		mem.EntityID = mem.Scope.EntityID
	}
	if mem.Timestamp.IsZero() {
		mem.Timestamp = c.now()
	}
	if err := mem.Validate(); err != nil {
		c.recordWrite(mem.Type, "rejected")
		return "", err
	}

	if len(mem.Embedding) == 0 {
		vec, err := c.embedder.Embed(ctx, mem.Content)
		if err != nil {
			// Text survives even when the embedding backend does not.
			// The record is stored without a vector and stays reachable
			// through full-text search until re-embedded.
			c.logger.Warn("embedding failed, storing without vector",
				zap.String("memory_id", mem.ID), zap.Error(err))
			if c.metrics != nil {
				c.metrics.RecordEmbeddingFailure()
			}
		} else {
			mem.Embedding = vec
		}
	}

	id, err := c.store.Upsert(ctx, mem)
	if err != nil {
		c.recordWrite(mem.Type, "error")
		return "", err
	}
	c.recordWrite(mem.Type, "stored")
	return id, nil
}

// Update rewrites an existing memory in place. The embedding is refreshed
// only when the caller cleared it.
func (c *ColdMemory) Update(ctx context.Context, mem *types.Memory) error {
	if mem.ID == "" {
		return types.NewError(types.ErrValidation, "update requires an id")
	}
	_, err := c.save(ctx, mem)
	return err
}

// Get fetches memories by id within a scope; missing ids are skipped.
func (c *ColdMemory) Get(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error) {
	return c.store.GetByIDs(ctx, scope, ids)
}

// GetOne fetches a single memory, returning ErrMemoryNotFound when absent.
func (c *ColdMemory) GetOne(ctx context.Context, scope types.Scope, id string) (*types.Memory, error) {
	found, err := c.store.GetByIDs(ctx, scope, []string{id})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, types.ErrMemoryNotFound
	}
	return found[0], nil
}

// Delete removes memories by id.
func (c *ColdMemory) Delete(ctx context.Context, scope types.Scope, ids ...string) error {
	return c.store.DeleteByIDs(ctx, scope, ids)
}

// DeleteByTags removes every memory in the scope carrying all given tags.
// With no tags it clears the whole scope.
func (c *ColdMemory) DeleteByTags(ctx context.Context, scope types.Scope, tags []string) error {
	return c.store.DeleteByFilter(ctx, scope, tags)
}

// Search embeds the query and runs nearest-neighbor retrieval. When the
// embedding call fails, it degrades to full-text match with zero
// similarity instead of failing the read.
func (c *ColdMemory) Search(ctx context.Context, scope types.Scope, query string, typeFilter *types.MemoryType, topK int) ([]store.SearchResult, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Warn("query embedding failed, degrading to text search", zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordEmbeddingFailure()
		}
		found, terr := c.store.SearchFullText(ctx, scope, query, topK, 0)
		if terr != nil {
			return nil, terr
		}
		results := make([]store.SearchResult, 0, len(found))
		for _, mem := range found {
			if typeFilter != nil && mem.Type != *typeFilter {
				continue
			}
			results = append(results, store.SearchResult{Memory: mem})
		}
		return results, nil
	}
	return c.store.SearchVector(ctx, scope, vec, typeFilter, topK)
}

// SearchByVector runs nearest-neighbor retrieval with a caller-provided
// vector.
func (c *ColdMemory) SearchByVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]store.SearchResult, error) {
	return c.store.SearchVector(ctx, scope, query, typeFilter, topK)
}

// ByType returns every memory of one type in the scope.
func (c *ColdMemory) ByType(ctx context.Context, scope types.Scope, t types.MemoryType) ([]*types.Memory, error) {
	var out []*types.Memory
	err := c.ForEachPage(ctx, scope, func(page []*types.Memory) error {
		for _, mem := range page {
			if mem.Type == t {
				out = append(out, mem)
			}
		}
		return nil
	})
	return out, err
}

// Since returns every memory in the scope with a timestamp at or after
// cutoff, up to max records (0 for unbounded).
func (c *ColdMemory) Since(ctx context.Context, scope types.Scope, cutoff time.Time, max int) ([]*types.Memory, error) {
	var out []*types.Memory
	err := c.ForEachPage(ctx, scope, func(page []*types.Memory) error {
		for _, mem := range page {
			if mem.Timestamp.Before(cutoff) {
				continue
			}
			out = append(out, mem)
			if max > 0 && len(out) >= max {
				return errStopScan
			}
		}
		return nil
	})
	if err == errStopScan {
		err = nil
	}
	return out, err
}

var errStopScan = types.NewError(types.ErrInternal, "scan stopped")

// ForEachPage walks the scope's full scan page by page.
func (c *ColdMemory) ForEachPage(ctx context.Context, scope types.Scope, fn func(page []*types.Memory) error) error {
	offset := 0
	for {
		page, err := c.store.ScanPage(ctx, scope, scanPageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < scanPageSize {
			return nil
		}
		offset += len(page)
	}
}

// Touch bumps recall bookkeeping on the given memories. Failures here
// never matter to a read path, so errors are only logged.
func (c *ColdMemory) Touch(ctx context.Context, scope types.Scope, ids []string) {
	if len(ids) == 0 {
		return
	}
	found, err := c.store.GetByIDs(ctx, scope, ids)
	if err != nil {
		c.logger.Debug("recall touch skipped", zap.Error(err))
		return
	}
	now := c.now()
	for _, mem := range found {
		mem.RecallCount++
		mem.LastAccessed = now
		if _, err := c.store.Upsert(ctx, mem); err != nil {
			c.logger.Debug("recall touch write failed",
				zap.String("memory_id", mem.ID), zap.Error(err))
		}
	}
}

// Stats summarizes the scope's stored records.
func (c *ColdMemory) Stats(ctx context.Context, scope types.Scope) (*types.MemoryStats, error) {
	stats := &types.MemoryStats{ByType: make(map[string]int)}
	err := c.ForEachPage(ctx, scope, func(page []*types.Memory) error {
		for _, mem := range page {
			stats.TotalRecords++
			stats.ByType[string(mem.Type)]++
			if stats.OldestRecord.IsZero() || mem.Timestamp.Before(stats.OldestRecord) {
				stats.OldestRecord = mem.Timestamp
			}
			if mem.Timestamp.After(stats.NewestRecord) {
				stats.NewestRecord = mem.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *ColdMemory) recordWrite(t types.MemoryType, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordWrite(string(t), outcome)
	}
}
