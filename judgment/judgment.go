// Package judgment defines the LLM judgment provider used for merge
// rewriting, pattern and contradiction detection, and compass synthesis.
//
// Every algorithmic contract (similarity thresholds, the merge drift
// check, the promotion gate) is enforced by the engine regardless of
// what the judgment backend answers. When the backend is unavailable,
// automatic merges and promotions simply happen less often; nothing fails.
package judgment

import (
	"context"

	"github.com/evermind-ai/evermind/types"
)

// Statement is one memory's content handed to discovery calls.
type Statement struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Pattern is a cross-memory behavioral pattern nominated for promotion.
type Pattern struct {
	// Content is the pattern statement; it is normalized before it keys
	// a promotion candidate.
	Content string `json:"content"`
	// Importance in [1,10], averaged across nominations by the gate.
	Importance float64 `json:"importance"`
	// SourceIDs are the memories that exhibit the pattern.
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Contradiction flags two memories that cannot both hold. Contradictions
// are only ever flagged, never auto-resolved.
type Contradiction struct {
	AID  string `json:"a_id"`
	BID  string `json:"b_id"`
	Note string `json:"note,omitempty"`
}

// CompassInput carries the session material a compass is synthesized from.
type CompassInput struct {
	Turns    []string // ordered "role: content" lines
	Previous types.Compass
}

// Provider answers the judgment calls the engine layers its deterministic
// logic on top of.
type Provider interface {
	// RewriteMerge rewrites base to incorporate incoming, returning the
	// merged content. The caller validates the result with the drift
	// check before accepting it.
	RewriteMerge(ctx context.Context, base, incoming string) (string, error)

	// DetectPatterns finds recurring behavioral patterns across the
	// given statements.
	DetectPatterns(ctx context.Context, statements []Statement) ([]Pattern, error)

	// FindContradictions flags statement pairs that conflict.
	FindContradictions(ctx context.Context, statements []Statement) ([]Contradiction, error)

	// SynthesizeCompass condenses a session's turn log into the compass
	// narrative.
	SynthesizeCompass(ctx context.Context, input CompassInput) (types.Compass, error)
}
