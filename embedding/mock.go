package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockProvider is a deterministic embedder for tests. It hashes each
// token into a fixed-dimension bag-of-words vector, so texts sharing
// vocabulary score high cosine similarity and identical texts score 1.
type MockProvider struct {
	dimensions int

	// FailWith, when set, makes every call fail with that error. Used to
	// exercise the engine's fail-open paths.
	FailWith error
}

// NewMockProvider creates a mock embedder.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &MockProvider{dimensions: dimensions}
}

// Embed builds a normalized token-hash vector.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	vec := make([]float32, m.dimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok == "" {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(m.dimensions))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	return normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (m *MockProvider) Dimensions() int { return m.dimensions }

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / n
	}
	return out
}
