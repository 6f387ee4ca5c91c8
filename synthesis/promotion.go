package synthesis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/types"
)

// Verdict is the gate's decision for one candidate in one run.
type Verdict string

const (
	// VerdictPromoted created a CORE_EXTENSION memory.
	VerdictPromoted Verdict = "promoted"
	// VerdictRejected terminally rejected the candidate.
	VerdictRejected Verdict = "rejected"
	// VerdictDeferred left the candidate pending for a later run.
	VerdictDeferred Verdict = "deferred"
)

// evaluateGate applies the deterministic promotion criteria. It never
// consults the judgment provider: promotion is arithmetic over the
// ledger, so the same ledger state always yields the same verdict.
func evaluateGate(c Candidate, now time.Time, cfg config.PromotionConfig) Verdict {
	if c.Occurrences < cfg.MinOccurrences {
		return VerdictDeferred
	}
	if c.LastSeen.Sub(c.FirstSeen) < cfg.MinSpan {
		return VerdictDeferred
	}
	if now.Sub(c.FirstSeen) < cfg.MinFirstSeenAge {
		return VerdictDeferred
	}
	if c.AvgImportance < cfg.MinAvgImportance {
		return VerdictDeferred
	}
	return VerdictPromoted
}

// runPromotionGate evaluates every pending candidate for the scope. A
// candidate that passes the gate but near-duplicates an existing promoted
// trait is terminally rejected instead of promoted again.
func (s *Synthesizer) runPromotionGate(ctx context.Context, scope types.Scope, stats *RunStats) error {
	candidates, err := s.ledger.Pending(ctx, scope)
	if err != nil {
		return err
	}
	stats.Candidates = len(candidates)
	now := s.now()

	for _, candidate := range candidates {
		verdict := evaluateGate(candidate, now, s.cfg.Promotion)
		if verdict == VerdictPromoted {
			duplicate, derr := s.duplicatesPromotedTrait(ctx, scope, candidate.Content)
			if derr != nil {
				s.logger.Warn("duplicate check failed, deferring candidate",
					zap.Uint("candidate_id", candidate.ID), zap.Error(derr))
				verdict = VerdictDeferred
			} else if duplicate {
				verdict = VerdictRejected
			}
		}

		switch verdict {
		case VerdictPromoted:
			if err := s.promote(ctx, scope, candidate, now); err != nil {
				s.logger.Warn("promotion failed, deferring candidate",
					zap.Uint("candidate_id", candidate.ID), zap.Error(err))
				stats.Deferred++
				s.recordPromotion(string(VerdictDeferred))
				continue
			}
			stats.Promoted++
			s.recordPromotion(string(VerdictPromoted))

		case VerdictRejected:
			if err := s.ledger.Resolve(ctx, candidate.ID, StatusRejected, now); err != nil {
				return err
			}
			stats.Rejected++
			s.recordPromotion(string(VerdictRejected))

		case VerdictDeferred:
			stats.Deferred++
			s.recordPromotion(string(VerdictDeferred))
		}
	}
	return nil
}

// duplicatesPromotedTrait reports whether content near-duplicates an
// existing CORE_EXTENSION memory.
func (s *Synthesizer) duplicatesPromotedTrait(ctx context.Context, scope types.Scope, content string) (bool, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return false, err
	}
	results, err := s.cold.SearchByVector(ctx, scope, vec,
		store.TypeFilter(types.MemoryCoreExtension), 1)
	if err != nil {
		return false, err
	}
	return len(results) > 0 && results[0].Similarity >= s.dedupCfg.MergeThreshold, nil
}

// promote writes the CORE_EXTENSION record and resolves the candidate.
func (s *Synthesizer) promote(ctx context.Context, scope types.Scope, candidate Candidate, now time.Time) error {
	mem := &types.Memory{
		Scope:           scope,
		Type:            types.MemoryCoreExtension,
		Content:         candidate.Content,
		Importance:      clampImportance(candidate.AvgImportance),
		Confidence:      1,
		Timestamp:       now,
		SynthesizedFrom: candidate.SourceIDs,
		SynthesisType:   types.SynthesisPattern,
	}
	if _, err := s.cold.SavePromoted(ctx, mem); err != nil {
		return err
	}
	return s.ledger.Resolve(ctx, candidate.ID, StatusPromoted, now)
}

func clampImportance(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
