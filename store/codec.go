package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/evermind-ai/evermind/types"
)

// payload is the flat wire form shared by the qdrant and chromem adapters.
// Nested fields (emotional state, relational context) are JSON-string
// encoded here and nowhere else; the domain model stays structured.
type payload struct {
	ID         string  `json:"id"`
	EntityID   string  `json:"entity_id"`
	ScopeKey   string  `json:"scope_key"`
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Confidence float64 `json:"confidence"`
	DecayRate  float64 `json:"decay_rate,omitempty"`

	Timestamp    int64 `json:"timestamp"`
	LastAccessed int64 `json:"last_accessed,omitempty"`
	RecallCount  int   `json:"recall_count,omitempty"`

	// Tags are stored both as a slice (for export fidelity) and as a
	// comma-joined string for backends that match on scalars only.
	Tags    []string `json:"tags,omitempty"`
	TagsCSV string   `json:"tags_csv,omitempty"`

	EmotionalStateJSON    string `json:"emotional_state_json,omitempty"`
	RelationalContextJSON string `json:"relational_context_json,omitempty"`

	RelatedMemoryIDs []string `json:"related_memory_ids,omitempty"`
	ParentMemoryID   string   `json:"parent_memory_id,omitempty"`
	SynthesizedFrom  []string `json:"synthesized_from,omitempty"`
	SynthesisType    string   `json:"synthesis_type,omitempty"`
}

func encodePayload(m *types.Memory) (*payload, error) {
	p := &payload{
		ID:               m.ID,
		EntityID:         m.EntityID,
		ScopeKey:         m.Scope.Key(),
		Type:             string(m.Type),
		Content:          m.Content,
		Importance:       m.Importance,
		Confidence:       m.Confidence,
		DecayRate:        m.DecayRate,
		Timestamp:        m.Timestamp.UnixMilli(),
		RecallCount:      m.RecallCount,
		Tags:             m.Tags,
		TagsCSV:          strings.Join(m.Tags, ","),
		RelatedMemoryIDs: m.RelatedMemoryIDs,
		ParentMemoryID:   m.ParentMemoryID,
		SynthesizedFrom:  m.SynthesizedFrom,
		SynthesisType:    string(m.SynthesisType),
	}
	if !m.LastAccessed.IsZero() {
		p.LastAccessed = m.LastAccessed.UnixMilli()
	}
	if m.EmotionalState != nil {
		data, err := json.Marshal(m.EmotionalState)
		if err != nil {
			return nil, fmt.Errorf("failed to encode emotional state: %w", err)
		}
		p.EmotionalStateJSON = string(data)
	}
	if len(m.RelationalContext) > 0 {
		data, err := json.Marshal(m.RelationalContext)
		if err != nil {
			return nil, fmt.Errorf("failed to encode relational context: %w", err)
		}
		p.RelationalContextJSON = string(data)
	}
	return p, nil
}

func decodePayload(p *payload, embedding []float32) (*types.Memory, error) {
	scope, err := types.ParseScopeKey(p.EntityID, p.ScopeKey)
	if err != nil {
		return nil, err
	}
	m := &types.Memory{
		ID:               p.ID,
		EntityID:         p.EntityID,
		Scope:            scope,
		Type:             types.MemoryType(p.Type),
		Content:          p.Content,
		Embedding:        embedding,
		Importance:       p.Importance,
		Confidence:       p.Confidence,
		DecayRate:        p.DecayRate,
		Timestamp:        time.UnixMilli(p.Timestamp).UTC(),
		RecallCount:      p.RecallCount,
		Tags:             p.Tags,
		RelatedMemoryIDs: p.RelatedMemoryIDs,
		ParentMemoryID:   p.ParentMemoryID,
		SynthesizedFrom:  p.SynthesizedFrom,
		SynthesisType:    types.SynthesisType(p.SynthesisType),
	}
	if len(m.Tags) == 0 && p.TagsCSV != "" {
		m.Tags = strings.Split(p.TagsCSV, ",")
	}
	if p.LastAccessed != 0 {
		m.LastAccessed = time.UnixMilli(p.LastAccessed).UTC()
	}
	if p.EmotionalStateJSON != "" {
		var es types.EmotionalState
		if err := json.Unmarshal([]byte(p.EmotionalStateJSON), &es); err != nil {
			return nil, fmt.Errorf("failed to decode emotional state: %w", err)
		}
		m.EmotionalState = &es
	}
	if p.RelationalContextJSON != "" {
		rc := make(map[string]any)
		if err := json.Unmarshal([]byte(p.RelationalContextJSON), &rc); err != nil {
			return nil, fmt.Errorf("failed to decode relational context: %w", err)
		}
		m.RelationalContext = rc
	}
	return m, nil
}
