// Package types provides unified type definitions for the Evermind engine.
package types

import (
	"fmt"
	"time"
)

// MemoryType classifies a long-term memory record.
type MemoryType string

const (
	// MemoryCore holds foundational directives. Always loaded into context,
	// never query-gated.
	MemoryCore MemoryType = "CORE"

	// MemoryCoreExtension is an identity trait promoted from repeated
	// behavioral patterns. Only the synthesis promotion gate may create
	// records of this type; direct writes are rejected.
	MemoryCoreExtension MemoryType = "CORE_EXTENSION"

	// MemoryAnchor marks relational bonds and commitments.
	MemoryAnchor MemoryType = "ANCHOR"

	// MemoryArtifact stores produced work and shared references.
	MemoryArtifact MemoryType = "ARTIFACT"

	// MemoryIdentity stores self-descriptive observations.
	MemoryIdentity MemoryType = "IDENTITY"

	// MemoryExpression stores voice and style notes.
	MemoryExpression MemoryType = "EXPRESSION"

	// MemoryValue stores held values and preferences.
	MemoryValue MemoryType = "VALUE"

	// MemoryCapability stores learned skills.
	MemoryCapability MemoryType = "CAPABILITY"

	// MemoryEpisode stores narrative episodes, including the singleton
	// internal compass per scope.
	MemoryEpisode MemoryType = "EPISODE"
)

// AllMemoryTypes lists every valid memory type, for validation and filters.
var AllMemoryTypes = []MemoryType{
	MemoryCore, MemoryCoreExtension, MemoryAnchor, MemoryArtifact,
	MemoryIdentity, MemoryExpression, MemoryValue, MemoryCapability,
	MemoryEpisode,
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryCore, MemoryCoreExtension, MemoryAnchor, MemoryArtifact,
		MemoryIdentity, MemoryExpression, MemoryValue, MemoryCapability,
		MemoryEpisode:
		return true
	}
	return false
}

// SynthesisType records how a memory came to exist.
type SynthesisType string

const (
	SynthesisExplicit  SynthesisType = "EXPLICIT"  // user asked to remember
	SynthesisAuto      SynthesisType = "AUTO"      // automatic consolidation
	SynthesisShorthand SynthesisType = "SHORTHAND" // shared-vocabulary entry
	SynthesisMigration SynthesisType = "MIGRATION" // bulk import
	SynthesisPattern   SynthesisType = "PATTERN"   // promoted behavioral pattern
)

// Valence is the emotional direction attached to a memory.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValenceMixed    Valence = "mixed"
)

// EmotionalState is an optional affect annotation.
type EmotionalState struct {
	Valence   Valence `json:"valence"`
	Intensity float64 `json:"intensity"` // [0,1]
}

// Memory is the central long-term record. Nested fields are native
// structured types; any string encoding a backend needs happens inside
// the persistence adapter, never here.
type Memory struct {
	ID       string     `json:"id"`
	EntityID string     `json:"entity_id"`
	Scope    Scope      `json:"scope"`
	Type     MemoryType `json:"type"`
	Content  string     `json:"content"`

	// Embedding may be empty when the embedding call failed at write
	// time; such records are stored anyway and re-embedded later.
	Embedding []float32 `json:"embedding,omitempty"`

	Importance   float64   `json:"importance"` // [1,10]
	Confidence   float64   `json:"confidence"` // [0,1]
	DecayRate    float64   `json:"decay_rate,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
	RecallCount  int       `json:"recall_count,omitempty"`

	Tags              []string        `json:"tags,omitempty"`
	EmotionalState    *EmotionalState `json:"emotional_state,omitempty"`
	RelationalContext map[string]any  `json:"relational_context,omitempty"`

	// RelatedMemoryIDs are graph edges. Intended symmetric, allowed to be
	// eventually consistent.
	RelatedMemoryIDs []string `json:"related_memory_ids,omitempty"`

	// ParentMemoryID is a weak reference with no ownership semantics.
	ParentMemoryID string `json:"parent_memory_id,omitempty"`

	// SynthesizedFrom records provenance when this memory was produced
	// by consolidation or promotion.
	SynthesizedFrom []string      `json:"synthesized_from,omitempty"`
	SynthesisType   SynthesisType `json:"synthesis_type,omitempty"`
}

// Validate checks the fields every persisted memory must carry.
// All violations are reported at once so callers can surface them plainly.
func (m *Memory) Validate() error {
	var reasons []string
	if m.ID == "" {
		reasons = append(reasons, "id is required")
	}
	if m.EntityID == "" {
		reasons = append(reasons, "entity_id is required")
	}
	if m.Scope.EntityID == "" {
		reasons = append(reasons, "scope is required")
	}
	if m.Content == "" {
		reasons = append(reasons, "content is required")
	}
	if !m.Type.Valid() {
		reasons = append(reasons, fmt.Sprintf("unknown memory type %q", m.Type))
	}
	if m.Importance != 0 && (m.Importance < 1 || m.Importance > 10) {
		reasons = append(reasons, "importance must be in [1,10]")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		reasons = append(reasons, "confidence must be in [0,1]")
	}
	if len(reasons) == 0 {
		return nil
	}
	return NewError(ErrValidation, fmt.Sprintf("invalid memory: %v", reasons))
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stored records cannot be mutated by callers.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	out.Embedding = append([]float32(nil), m.Embedding...)
	out.Tags = append([]string(nil), m.Tags...)
	out.RelatedMemoryIDs = append([]string(nil), m.RelatedMemoryIDs...)
	out.SynthesizedFrom = append([]string(nil), m.SynthesizedFrom...)
	if m.EmotionalState != nil {
		es := *m.EmotionalState
		out.EmotionalState = &es
	}
	if m.RelationalContext != nil {
		rc := make(map[string]any, len(m.RelationalContext))
		for k, v := range m.RelationalContext {
			rc[k] = v
		}
		out.RelationalContext = rc
	}
	return &out
}

// MemoryStats summarizes a scope's stored records.
type MemoryStats struct {
	TotalRecords int            `json:"total_records"`
	ByType       map[string]int `json:"by_type"`
	OldestRecord time.Time      `json:"oldest_record,omitempty"`
	NewestRecord time.Time      `json:"newest_record,omitempty"`
}
