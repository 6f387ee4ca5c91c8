// Package dedup implements write-path consolidation. Every new memory is
// compared against its nearest stored neighbors; near-duplicates are
// merged into the existing record, related memories are cross-linked,
// and everything else is stored as-is.
//
// The merge rewrite comes from the judgment provider, but acceptance is
// geometric: the rewrite must stay closer to the base than to the
// incoming text, and at least as close to the incoming as the two
// originals are to each other. A rewrite that drifts is discarded and
// the incoming content is absorbed without one.
package dedup

import (
	"context"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/types"
)

// Action is the consolidation outcome for one incoming memory.
type Action string

const (
	// ActionNew stored the memory with no neighbor involvement.
	ActionNew Action = "new"
	// ActionMerged folded the memory into an existing near-duplicate.
	ActionMerged Action = "merged"
	// ActionAbsorbed kept the existing record's content and discarded the
	// incoming text after a failed or drifting rewrite.
	ActionAbsorbed Action = "absorbed"
	// ActionLinked stored the memory and cross-linked it to a neighbor.
	ActionLinked Action = "linked"
)

// Result reports what happened to an incoming memory.
type Result struct {
	// ID is the surviving record: the new memory's id for new/linked,
	// the base record's id for merged/absorbed.
	ID          string
	Action      Action
	NeighborID  string
	Similarity  float64
	// MergedCount is how many records the surviving base has consolidated
	// over its lifetime, including this one on merge/absorb.
	MergedCount int
}

// Deduplicator runs the consolidation decision for one scope-bound write.
type Deduplicator struct {
	cold     *cold.ColdMemory
	embedder embedding.Provider
	judge    judgment.Provider
	cfg      config.DedupConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New builds a deduplicator. judge may be nil; merges then always absorb.
func New(cm *cold.ColdMemory, embedder embedding.Provider, judge judgment.Provider, cfg config.DedupConfig, collector *metrics.Collector, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		cold:     cm,
		embedder: embedder,
		judge:    judge,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "dedup")),
	}
}

// mergeable reports whether an existing record may serve as a merge base.
// Core directives and promoted traits are never rewritten by the write path.
func mergeable(t types.MemoryType) bool {
	return t != types.MemoryCore && t != types.MemoryCoreExtension
}

// Process consolidates one new memory into the scope. The memory must not
// be stored yet. Embedding failure never blocks the write; the record is
// stored unconsolidated.
func (d *Deduplicator) Process(ctx context.Context, mem *types.Memory) (*Result, error) {
	vec, err := d.embedder.Embed(ctx, mem.Content)
	if err != nil {
		d.logger.Warn("embedding failed, storing without consolidation", zap.Error(err))
		if d.metrics != nil {
			d.metrics.RecordEmbeddingFailure()
		}
		id, serr := d.cold.Save(ctx, mem)
		if serr != nil {
			return nil, serr
		}
		d.recordDecision(ActionNew)
		return &Result{ID: id, Action: ActionNew}, nil
	}
	mem.Embedding = vec

	neighbor, similarity, err := d.nearestNeighbor(ctx, mem.Scope, vec)
	if err != nil {
		return nil, err
	}

	switch {
	case neighbor != nil && similarity >= d.cfg.MergeThreshold && mergeable(neighbor.Type):
		action, err := d.mergeInto(ctx, neighbor, mem)
		if err != nil {
			return nil, err
		}
		mergedCount := len(neighbor.SynthesizedFrom)
		if mem.ID == "" {
			// Unstored incoming leaves no provenance id; still one event.
			mergedCount++
		}
		d.recordDecision(action)
		return &Result{
			ID:          neighbor.ID,
			Action:      action,
			NeighborID:  neighbor.ID,
			Similarity:  similarity,
			MergedCount: mergedCount,
		}, nil

	case neighbor != nil && similarity >= d.cfg.LinkThreshold:
		mem.RelatedMemoryIDs = appendUnique(mem.RelatedMemoryIDs, neighbor.ID)
		id, err := d.cold.Save(ctx, mem)
		if err != nil {
			return nil, err
		}
		// The back edge is eventually consistent; a failure here leaves a
		// one-way link, not a broken record.
		neighbor.RelatedMemoryIDs = appendUnique(neighbor.RelatedMemoryIDs, id)
		if uerr := d.cold.Update(ctx, neighbor); uerr != nil {
			d.logger.Warn("back link write failed",
				zap.String("memory_id", neighbor.ID), zap.Error(uerr))
		}
		d.recordDecision(ActionLinked)
		return &Result{ID: id, Action: ActionLinked, NeighborID: neighbor.ID, Similarity: similarity}, nil

	default:
		id, err := d.cold.Save(ctx, mem)
		if err != nil {
			return nil, err
		}
		d.recordDecision(ActionNew)
		return &Result{ID: id, Action: ActionNew}, nil
	}
}

// MergeExisting consolidates an already-stored duplicate into a base
// record. Edges pointing at the duplicate are re-pointed at the base and
// the duplicate row is deleted.
func (d *Deduplicator) MergeExisting(ctx context.Context, base, dup *types.Memory) (Action, error) {
	action, err := d.mergeInto(ctx, base, dup)
	if err != nil {
		return action, err
	}

	for _, relID := range dup.RelatedMemoryIDs {
		if relID == base.ID {
			continue
		}
		rel, gerr := d.cold.GetOne(ctx, dup.Scope, relID)
		if gerr != nil {
			continue
		}
		rel.RelatedMemoryIDs = replaceID(rel.RelatedMemoryIDs, dup.ID, base.ID)
		if uerr := d.cold.Update(ctx, rel); uerr != nil {
			d.logger.Warn("edge re-point failed",
				zap.String("memory_id", rel.ID), zap.Error(uerr))
		}
	}
	if derr := d.cold.Delete(ctx, dup.Scope, dup.ID); derr != nil {
		return action, derr
	}
	d.recordDecision(action)
	return action, nil
}

// mergeInto rewrites base to incorporate incoming, subject to the drift
// check, and updates base's bookkeeping either way.
func (d *Deduplicator) mergeInto(ctx context.Context, base, incoming *types.Memory) (Action, error) {
	action := ActionAbsorbed

	if d.judge != nil {
		merged, err := d.judge.RewriteMerge(ctx, base.Content, incoming.Content)
		if err != nil {
			d.logger.Warn("merge rewrite unavailable, absorbing", zap.Error(err))
		} else if ok, mergedVec := d.driftCheck(ctx, base, incoming, merged); ok {
			base.Content = merged
			base.Embedding = mergedVec
			action = ActionMerged
		} else {
			d.logger.Info("merge rewrite drifted, absorbing",
				zap.String("base_id", base.ID))
		}
	}

	base.Tags = unionTags(base.Tags, incoming.Tags)
	base.RelatedMemoryIDs = unionIDs(base.RelatedMemoryIDs, incoming.RelatedMemoryIDs, base.ID)
	if incoming.ID != "" {
		base.SynthesizedFrom = appendUnique(base.SynthesizedFrom, incoming.ID)
	}
	if incoming.Importance > base.Importance {
		base.Importance = incoming.Importance
	}
	// The boost rewards an accepted rewrite only; absorbing the same
	// duplicate repeatedly must not ratchet importance toward 10.
	if action == ActionMerged {
		base.Importance += d.cfg.ImportanceBoost
		if base.Importance > 10 {
			base.Importance = 10
		}
	}
	if incoming.Confidence > base.Confidence {
		base.Confidence = incoming.Confidence
	}
	if base.SynthesisType == "" {
		base.SynthesisType = types.SynthesisAuto
	}

	if err := d.cold.Update(ctx, base); err != nil {
		return action, err
	}
	return action, nil
}

// driftCheck verifies a merge rewrite geometrically. M' is accepted only
// when sim(M', base) >= sim(M', incoming) >= sim(base, incoming): the
// rewrite must stay anchored to the base while still covering the
// incoming at least as well as the originals cover each other.
func (d *Deduplicator) driftCheck(ctx context.Context, base, incoming *types.Memory, merged string) (bool, []float32) {
	mergedVec, err := d.embedder.Embed(ctx, merged)
	if err != nil {
		d.logger.Warn("drift check embedding failed, absorbing", zap.Error(err))
		if d.metrics != nil {
			d.metrics.RecordEmbeddingFailure()
		}
		return false, nil
	}
	simBase := embedding.Cosine(mergedVec, base.Embedding)
	simIncoming := embedding.Cosine(mergedVec, incoming.Embedding)
	simOriginals := embedding.Cosine(base.Embedding, incoming.Embedding)

	if simBase >= simIncoming && simIncoming >= simOriginals {
		return true, mergedVec
	}
	return false, nil
}

// nearestNeighbor returns the scope's closest stored memory above the
// prefilter bar, or nil.
func (d *Deduplicator) nearestNeighbor(ctx context.Context, scope types.Scope, vec []float32) (*types.Memory, float64, error) {
	topK := d.cfg.NeighborTopK
	if topK <= 0 {
		topK = 5
	}
	results, err := d.cold.SearchByVector(ctx, scope, vec, nil, topK)
	if err != nil {
		return nil, 0, err
	}
	var best *store.SearchResult
	for i := range results {
		r := &results[i]
		if r.Similarity < d.cfg.PrefilterThreshold {
			continue
		}
		if best == nil || r.Similarity > best.Similarity {
			best = r
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best.Memory, best.Similarity, nil
}

func (d *Deduplicator) recordDecision(action Action) {
	if d.metrics != nil {
		d.metrics.RecordMergeDecision(string(action))
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func replaceID(ids []string, from, to string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == from {
			id = to
		}
		out = appendUnique(out, id)
	}
	return out
}

func unionTags(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, tag := range b {
		out = appendUnique(out, tag)
	}
	return out
}

func unionIDs(a, b []string, self string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		if id == self {
			continue
		}
		out = appendUnique(out, id)
	}
	return out
}
