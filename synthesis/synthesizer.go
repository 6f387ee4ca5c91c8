// Package synthesis implements the background consolidation pipeline: a
// sequential consolidation pass over recent memories, a batched discovery
// pass for patterns and contradictions, and the deterministic promotion
// gate that turns repeated patterns into identity traits.
package synthesis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/dedup"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/types"
)

// consolidatedTag marks memories the consolidation pass has already
// visited, so deferred runs pick up where the budget ran out.
const consolidatedTag = "consolidated"

// contradictionTag marks memories flagged as mutually contradictory.
// Contradictions are surfaced, never auto-resolved.
const contradictionTag = "contradiction"

// RunStats summarizes one synthesis run. Processed always equals
// Absorbed + Merged + Linked + Kept + Errors.
type RunStats struct {
	RunID string `json:"run_id"`

	Processed int `json:"processed"`
	Absorbed  int `json:"absorbed"`
	Merged    int `json:"merged"`
	Linked    int `json:"linked"`
	Kept      int `json:"kept"`
	Errors    int `json:"errors"`

	PatternsNominated int `json:"patterns_nominated"`
	Contradictions    int `json:"contradictions"`
	SerendipityLinks  int `json:"serendipity_links"`

	Candidates int `json:"candidates"`
	Promoted   int `json:"promoted"`
	Rejected   int `json:"rejected"`
	Deferred   int `json:"deferred"`

	// TimedOut is true when the run hit its time budget and deferred the
	// remaining work to the next run.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Progress is one event on a run's progress stream. A stream terminates
// with Progress == 1 or with a non-empty Error.
type Progress struct {
	JobID    string    `json:"job_id"`
	Progress float64   `json:"progress"`
	Phase    string    `json:"phase"`
	Message  string    `json:"message,omitempty"`
	Stats    *RunStats `json:"stats,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Synthesizer runs the consolidation pipeline for one scope at a time.
type Synthesizer struct {
	cold     *cold.ColdMemory
	dedup    *dedup.Deduplicator
	judge    judgment.Provider
	embedder embedding.Provider
	ledger   *Ledger

	cfg      config.SynthesisConfig
	dedupCfg config.DedupConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// Options tunes the synthesizer beyond its dependencies.
type Options struct {
	// Metrics is optional.
	Metrics *metrics.Collector
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds a synthesizer. judge may be nil; discovery then only creates
// serendipity links and the gate only works off prior nominations.
func New(cm *cold.ColdMemory, dd *dedup.Deduplicator, judge judgment.Provider, embedder embedding.Provider, ledger *Ledger, cfg config.SynthesisConfig, dedupCfg config.DedupConfig, opts Options, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		cold:     cm,
		dedup:    dd,
		judge:    judge,
		embedder: embedder,
		ledger:   ledger,
		cfg:      cfg,
		dedupCfg: dedupCfg,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "synthesis")),
		now:      now,
	}
}

// Run executes one full synthesis pass for the scope. emit may be nil.
// The run degrades instead of failing: per-memory errors are counted,
// discovery errors are logged, and hitting the time budget defers the
// remaining work.
func (s *Synthesizer) Run(ctx context.Context, scope types.Scope, emit func(Progress)) (*RunStats, error) {
	runID := uuid.New().String()
	stats := &RunStats{RunID: runID}
	if emit == nil {
		emit = func(Progress) {}
	}
	if s.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TimeBudget)
		defer cancel()
	}

	emit(Progress{JobID: runID, Phase: "consolidate", Message: "starting"})

	phaseStart := s.now()
	if err := s.phaseConsolidate(ctx, scope, stats, emit); err != nil {
		return s.finish(stats, emit, err)
	}
	s.recordPhase("consolidate", s.now().Sub(phaseStart))

	phaseStart = s.now()
	if err := s.phaseDiscover(ctx, scope, stats, emit); err != nil {
		return s.finish(stats, emit, err)
	}
	s.recordPhase("discover", s.now().Sub(phaseStart))

	emit(Progress{JobID: runID, Progress: 0.9, Phase: "promote"})
	phaseStart = s.now()
	if err := s.runPromotionGate(ctx, scope, stats); err != nil {
		return s.finish(stats, emit, err)
	}
	s.recordPhase("promote", s.now().Sub(phaseStart))

	return s.finish(stats, emit, nil)
}

func (s *Synthesizer) finish(stats *RunStats, emit func(Progress), err error) (*RunStats, error) {
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSynthesisRun("error")
		}
		emit(Progress{JobID: stats.RunID, Phase: "done", Stats: stats, Error: err.Error()})
		return stats, err
	}
	status := "ok"
	if stats.TimedOut {
		status = "deferred"
	}
	if s.metrics != nil {
		s.metrics.RecordSynthesisRun(status)
	}
	emit(Progress{JobID: stats.RunID, Progress: 1, Phase: "done", Stats: stats})
	return stats, nil
}

// phaseConsolidate walks recent unconsolidated memories oldest first and
// merges, links, or keeps each one. It is strictly sequential: each
// decision may change the neighborhood the next one searches.
func (s *Synthesizer) phaseConsolidate(ctx context.Context, scope types.Scope, stats *RunStats, emit func(Progress)) error {
	eligible, err := s.eligibleMemories(ctx, scope, true)
	if err != nil {
		return err
	}
	if s.cfg.MaxToProcess > 0 && len(eligible) > s.cfg.MaxToProcess {
		eligible = eligible[:s.cfg.MaxToProcess]
	}

	for i, mem := range eligible {
		if ctx.Err() != nil {
			stats.TimedOut = true
			break
		}
		// Earlier merges in this pass may have rewritten this record.
		current, gerr := s.cold.GetOne(ctx, scope, mem.ID)
		if gerr != nil {
			if !types.IsNotFound(gerr) {
				s.logger.Warn("consolidation re-read failed", zap.String("memory_id", mem.ID), zap.Error(gerr))
			}
			continue
		}
		mem = current

		stats.Processed++
		switch s.consolidateOne(ctx, scope, mem) {
		case dedup.ActionMerged:
			stats.Merged++
		case dedup.ActionAbsorbed:
			stats.Absorbed++
		case dedup.ActionLinked:
			stats.Linked++
		case dedup.ActionNew:
			stats.Kept++
		default:
			stats.Errors++
		}
		emit(Progress{
			JobID:    stats.RunID,
			Progress: 0.5 * float64(i+1) / float64(len(eligible)),
			Phase:    "consolidate",
			Message:  fmt.Sprintf("%d/%d", i+1, len(eligible)),
		})
	}
	return nil
}

// consolidateOne decides one memory's fate. The empty action means the
// attempt errored; the memory stays untagged and is retried next run.
func (s *Synthesizer) consolidateOne(ctx context.Context, scope types.Scope, mem *types.Memory) dedup.Action {
	if len(mem.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, mem.Content)
		if err != nil {
			// Still unreachable by vector search; the memory stays
			// untagged and the embedding is retried next run.
			s.logger.Debug("re-embedding failed", zap.String("memory_id", mem.ID), zap.Error(err))
			return ""
		}
		mem.Embedding = vec
		if err := s.cold.Update(ctx, mem); err != nil {
			s.logger.Warn("re-embedding write failed", zap.String("memory_id", mem.ID), zap.Error(err))
			return ""
		}
	}

	neighbor, similarity, err := s.bestNeighbor(ctx, scope, mem)
	if err != nil {
		s.logger.Warn("neighbor search failed", zap.String("memory_id", mem.ID), zap.Error(err))
		return ""
	}

	switch {
	case neighbor != nil && similarity >= s.dedupCfg.MergeThreshold:
		action, merr := s.dedup.MergeExisting(ctx, neighbor, mem)
		if merr != nil {
			s.logger.Warn("consolidation merge failed", zap.String("memory_id", mem.ID), zap.Error(merr))
			return ""
		}
		return action

	case neighbor != nil && similarity >= s.cfg.RelatedThreshold:
		if err := s.linkPair(ctx, scope, mem, neighbor); err != nil {
			s.logger.Warn("consolidation link failed", zap.String("memory_id", mem.ID), zap.Error(err))
			return ""
		}
		if err := s.markConsolidated(ctx, mem); err != nil {
			return ""
		}
		return dedup.ActionLinked

	default:
		if err := s.markConsolidated(ctx, mem); err != nil {
			return ""
		}
		return dedup.ActionNew
	}
}

// bestNeighbor finds the closest other memory eligible as a merge or
// link target.
func (s *Synthesizer) bestNeighbor(ctx context.Context, scope types.Scope, mem *types.Memory) (*types.Memory, float64, error) {
	topK := s.dedupCfg.NeighborTopK
	if topK <= 0 {
		topK = 5
	}
	// One extra because the memory matches itself at similarity 1.
	results, err := s.cold.SearchByVector(ctx, scope, mem.Embedding, nil, topK+1)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range results {
		if r.Memory.ID == mem.ID {
			continue
		}
		if r.Memory.Type == types.MemoryCore || r.Memory.Type == types.MemoryCoreExtension {
			continue
		}
		if r.Memory.HasTag(types.CompassTag) {
			continue
		}
		if r.Similarity < s.dedupCfg.PrefilterThreshold {
			continue
		}
		return r.Memory, r.Similarity, nil
	}
	return nil, 0, nil
}

func (s *Synthesizer) linkPair(ctx context.Context, scope types.Scope, a, b *types.Memory) error {
	a.RelatedMemoryIDs = appendMissing(a.RelatedMemoryIDs, b.ID)
	if err := s.cold.Update(ctx, a); err != nil {
		return err
	}
	b.RelatedMemoryIDs = appendMissing(b.RelatedMemoryIDs, a.ID)
	if err := s.cold.Update(ctx, b); err != nil {
		s.logger.Warn("back link write failed", zap.String("memory_id", b.ID), zap.Error(err))
	}
	return nil
}

func (s *Synthesizer) markConsolidated(ctx context.Context, mem *types.Memory) error {
	if mem.HasTag(consolidatedTag) {
		return nil
	}
	mem.Tags = append(mem.Tags, consolidatedTag)
	if err := s.cold.Update(ctx, mem); err != nil {
		s.logger.Warn("consolidation mark failed", zap.String("memory_id", mem.ID), zap.Error(err))
		return err
	}
	return nil
}

// phaseDiscover runs pattern and contradiction detection over recent
// memories in parallel batches, then creates serendipity links. Judgment
// calls run concurrently; all ledger and store bookkeeping is serialized.
func (s *Synthesizer) phaseDiscover(ctx context.Context, scope types.Scope, stats *RunStats, emit func(Progress)) error {
	if ctx.Err() != nil {
		stats.TimedOut = true
		return nil
	}
	memories, err := s.eligibleMemories(ctx, scope, false)
	if err != nil {
		return err
	}
	if len(memories) == 0 {
		return nil
	}

	if s.judge != nil {
		s.discoverBatches(ctx, scope, memories, stats, emit)
	}

	if ctx.Err() != nil {
		stats.TimedOut = true
		return nil
	}
	s.serendipityLinks(ctx, scope, memories, stats)
	return nil
}

func (s *Synthesizer) discoverBatches(ctx context.Context, scope types.Scope, memories []*types.Memory, stats *RunStats, emit func(Progress)) {
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	var batches [][]*types.Memory
	for start := 0; start < len(memories); start += batchSize {
		end := start + batchSize
		if end > len(memories) {
			end = len(memories)
		}
		batches = append(batches, memories[start:end])
	}

	var mu sync.Mutex // serializes ledger writes, edge writes, and stats
	done := 0
	runID := stats.RunID
	now := s.now()

	group, groupCtx := errgroup.WithContext(ctx)
	parallelism := s.cfg.BatchParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	group.SetLimit(parallelism)

	for _, batch := range batches {
		group.Go(func() error {
			statements := make([]judgment.Statement, 0, len(batch))
			for _, mem := range batch {
				statements = append(statements, judgment.Statement{ID: mem.ID, Content: mem.Content})
			}

			patterns, perr := s.judge.DetectPatterns(groupCtx, statements)
			if perr != nil {
				s.logger.Warn("pattern detection unavailable", zap.Error(perr))
			}
			contradictions, cerr := s.judge.FindContradictions(groupCtx, statements)
			if cerr != nil {
				s.logger.Warn("contradiction detection unavailable", zap.Error(cerr))
			}

			mu.Lock()
			defer mu.Unlock()
			for _, pattern := range patterns {
				if err := s.ledger.RecordNomination(groupCtx, scope, pattern, runID, now); err != nil {
					s.logger.Warn("nomination write failed", zap.Error(err))
					continue
				}
				stats.PatternsNominated++
			}
			for _, contradiction := range contradictions {
				if s.flagContradiction(groupCtx, scope, contradiction) {
					stats.Contradictions++
				}
			}
			done++
			emit(Progress{
				JobID:    runID,
				Progress: 0.5 + 0.35*float64(done)/float64(len(batches)),
				Phase:    "discover",
				Message:  fmt.Sprintf("batch %d/%d", done, len(batches)),
			})
			return nil
		})
	}
	_ = group.Wait()
}

// flagContradiction cross-links the two memories and tags them. The pair
// stays in the store; resolution is a human or conversational act.
func (s *Synthesizer) flagContradiction(ctx context.Context, scope types.Scope, c judgment.Contradiction) bool {
	pair, err := s.cold.Get(ctx, scope, []string{c.AID, c.BID})
	if err != nil || len(pair) != 2 {
		return false
	}
	a, b := pair[0], pair[1]
	a.RelatedMemoryIDs = appendMissing(a.RelatedMemoryIDs, b.ID)
	b.RelatedMemoryIDs = appendMissing(b.RelatedMemoryIDs, a.ID)
	for _, mem := range pair {
		if !mem.HasTag(contradictionTag) {
			mem.Tags = append(mem.Tags, contradictionTag)
		}
		if err := s.cold.Update(ctx, mem); err != nil {
			s.logger.Warn("contradiction flag write failed",
				zap.String("memory_id", mem.ID), zap.Error(err))
			return false
		}
	}
	return true
}

// serendipityLinks creates a few weak cross-links between memories that
// are related but not related enough for the consolidation pass, so
// distant material can still surface through graph expansion.
func (s *Synthesizer) serendipityLinks(ctx context.Context, scope types.Scope, memories []*types.Memory, stats *RunStats) {
	capacity := s.cfg.SerendipityCap
	if capacity <= 0 {
		return
	}
	for _, stale := range memories {
		if stats.SerendipityLinks >= capacity || ctx.Err() != nil {
			return
		}
		// Earlier links in this loop may have touched this record.
		mem, err := s.cold.GetOne(ctx, scope, stale.ID)
		if err != nil || len(mem.Embedding) == 0 {
			continue
		}
		results, err := s.cold.SearchByVector(ctx, scope, mem.Embedding, nil, s.dedupCfg.NeighborTopK+1)
		if err != nil {
			return
		}
		for _, r := range results {
			if r.Memory.ID == mem.ID || r.Similarity >= s.cfg.RelatedThreshold || r.Similarity < s.cfg.SerendipityFloor {
				continue
			}
			if hasID(mem.RelatedMemoryIDs, r.Memory.ID) {
				continue
			}
			if r.Memory.Type == types.MemoryCore || r.Memory.Type == types.MemoryCoreExtension || r.Memory.HasTag(types.CompassTag) {
				continue
			}
			if err := s.linkPair(ctx, scope, mem, r.Memory); err != nil {
				continue
			}
			stats.SerendipityLinks++
			break
		}
	}
}

// eligibleMemories returns the scope's recent memories that synthesis may
// act on, oldest first. With unconsolidatedOnly, memories the
// consolidation pass already visited are skipped.
func (s *Synthesizer) eligibleMemories(ctx context.Context, scope types.Scope, unconsolidatedOnly bool) ([]*types.Memory, error) {
	cutoff := s.now().Add(-s.cfg.Lookback)
	recent, err := s.cold.Since(ctx, scope, cutoff, 0)
	if err != nil {
		return nil, err
	}
	eligible := recent[:0]
	for _, mem := range recent {
		if mem.Type == types.MemoryCore || mem.Type == types.MemoryCoreExtension {
			continue
		}
		if mem.HasTag(types.CompassTag) {
			continue
		}
		if unconsolidatedOnly && mem.HasTag(consolidatedTag) {
			continue
		}
		eligible = append(eligible, mem)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Timestamp.Equal(eligible[j].Timestamp) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].Timestamp.Before(eligible[j].Timestamp)
	})
	return eligible, nil
}

func hasID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (s *Synthesizer) recordPhase(phase string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSynthesisPhase(phase, d)
	}
}

func (s *Synthesizer) recordPromotion(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPromotion(outcome)
	}
}
