package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMemory() *Memory {
	return &Memory{
		ID:         "mem-1",
		EntityID:   "agent-1",
		Scope:      UserScope("agent-1", "user-1"),
		Type:       MemoryAnchor,
		Content:    "promised to review the harbor proposal",
		Importance: 6,
		Confidence: 0.9,
		Timestamp:  time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Memory)
		wantErr string
	}{
		{name: "valid", mutate: func(m *Memory) {}},
		{
			name:   "zero importance means unset",
			mutate: func(m *Memory) { m.Importance = 0 },
		},
		{
			name:    "missing content",
			mutate:  func(m *Memory) { m.Content = "" },
			wantErr: "content is required",
		},
		{
			name:    "missing scope",
			mutate:  func(m *Memory) { m.Scope = Scope{} },
			wantErr: "scope is required",
		},
		{
			name:    "unknown type",
			mutate:  func(m *Memory) { m.Type = "DIRECTIVE" },
			wantErr: `unknown memory type "DIRECTIVE"`,
		},
		{
			name:    "importance below range",
			mutate:  func(m *Memory) { m.Importance = 0.5 },
			wantErr: "importance must be in [1,10]",
		},
		{
			name:    "confidence above range",
			mutate:  func(m *Memory) { m.Confidence = 1.5 },
			wantErr: "confidence must be in [0,1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mem := validMemory()
			tt.mutate(mem)
			err := mem.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ErrValidation, CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMemoryValidateReportsAllViolations(t *testing.T) {
	t.Parallel()

	mem := &Memory{Type: "BOGUS"}
	err := mem.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "content is required")
	assert.Contains(t, err.Error(), "unknown memory type")
}

func TestMemoryCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := validMemory()
	orig.Embedding = []float32{0.1, 0.2}
	orig.Tags = []string{"harbor"}
	orig.RelatedMemoryIDs = []string{"mem-2"}
	orig.EmotionalState = &EmotionalState{Valence: ValencePositive, Intensity: 0.4}
	orig.RelationalContext = map[string]any{"person": "sam"}

	clone := orig.Clone()
	clone.Embedding[0] = 9
	clone.Tags[0] = "changed"
	clone.RelatedMemoryIDs[0] = "changed"
	clone.EmotionalState.Intensity = 1
	clone.RelationalContext["person"] = "changed"

	assert.Equal(t, float32(0.1), orig.Embedding[0])
	assert.Equal(t, "harbor", orig.Tags[0])
	assert.Equal(t, "mem-2", orig.RelatedMemoryIDs[0])
	assert.Equal(t, 0.4, orig.EmotionalState.Intensity)
	assert.Equal(t, "sam", orig.RelationalContext["person"])

	var nilMem *Memory
	assert.Nil(t, nilMem.Clone())
}

func TestScopeKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "entity", EntityScope("agent-1").Key())
	assert.Equal(t, "user:user-1", UserScope("agent-1", "user-1").Key())
	assert.True(t, EntityScope("agent-1").IsEntityLevel())
	assert.False(t, UserScope("agent-1", "user-1").IsEntityLevel())
}

func TestParseScopeKey(t *testing.T) {
	t.Parallel()

	for _, scope := range []Scope{EntityScope("agent-1"), UserScope("agent-1", "user-1")} {
		parsed, err := ParseScopeKey(scope.EntityID, scope.Key())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}

	_, err := ParseScopeKey("agent-1", "user:")
	assert.Error(t, err)
	_, err = ParseScopeKey("agent-1", "global")
	assert.Error(t, err)
}

func TestCompassRenderParseRoundTrip(t *testing.T) {
	t.Parallel()

	c := Compass{
		Vibe:         "warm, a little tired",
		RecentTopics: []string{"the move", "harbor proposal"},
		RecentStory:  "talked through the move logistics",
		OpenLoops:    "waiting on the lease draft",
		PersonalNote: "they prefer mornings",
		Mirror:       "I rushed the last answer",
	}

	parsed := ParseCompass(c.Render())
	assert.Equal(t, c, parsed)
}

func TestParseCompassKeepsUnknownLines(t *testing.T) {
	t.Parallel()

	c := ParseCompass("Vibe: steady\nsomething the model improvised\n")
	assert.Equal(t, "steady", c.Vibe)
	assert.Equal(t, "something the model improvised", c.RecentStory)

	assert.True(t, Compass{}.IsEmpty())
	assert.False(t, c.IsEmpty())
}
