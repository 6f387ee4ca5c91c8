package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/types"
)

// scriptedEmbedder returns a fixed vector per exact text, so tests can
// dial similarities precisely.
type scriptedEmbedder struct {
	vecs map[string][]float32
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec, ok := s.vecs[text]
	if !ok {
		return nil, fmt.Errorf("no scripted vector for %q", text)
	}
	return vec, nil
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *scriptedEmbedder) Dimensions() int { return 2 }

func newDedup(t *testing.T, embedder embedding.Provider, judge judgment.Provider) (*Deduplicator, *cold.ColdMemory, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore(nil)
	cm := cold.New(st, embedder, cold.Options{}, nil)
	cfg := config.DefaultConfig().Dedup
	return New(cm, embedder, judge, cfg, nil, nil), cm, st
}

func anchor(scope types.Scope, content string) *types.Memory {
	return &types.Memory{
		Scope:      scope,
		Type:       types.MemoryAnchor,
		Content:    content,
		Importance: 5,
		Confidence: 0.9,
	}
}

func TestProcessStoresUnrelatedAsNew(t *testing.T) {
	t.Parallel()
	dd, cm, st := newDedup(t, embedding.NewMockProvider(64), &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := cm.Save(ctx, anchor(scope, "plays chess every thursday evening"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "allergic to shellfish"))
	require.NoError(t, err)
	assert.Equal(t, ActionNew, result.Action)
	assert.Equal(t, 2, st.Len())
}

func TestProcessMergesExactDuplicate(t *testing.T) {
	t.Parallel()
	dd, cm, st := newDedup(t, embedding.NewMockProvider(64), &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "loves sailing on weekends"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "loves sailing on weekends"))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, result.Action)
	assert.Equal(t, baseID, result.ID)
	assert.InDelta(t, 1.0, result.Similarity, 1e-6)
	assert.GreaterOrEqual(t, result.MergedCount, 1)
	assert.Equal(t, 1, st.Len())

	base, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Equal(t, "loves sailing on weekends", base.Content)
	assert.InDelta(t, 5.5, base.Importance, 1e-9) // max(5,5) + boost
}

func TestProcessLinksRelatedSymmetrically(t *testing.T) {
	t.Parallel()
	embedder := &scriptedEmbedder{vecs: map[string][]float32{
		"took up rock climbing":     {1, 0},
		"bought new climbing shoes": {0.75, 0.6614},
	}}
	dd, cm, _ := newDedup(t, embedder, &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "took up rock climbing"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "bought new climbing shoes"))
	require.NoError(t, err)
	assert.Equal(t, ActionLinked, result.Action)
	assert.Equal(t, baseID, result.NeighborID)
	assert.InDelta(t, 0.75, result.Similarity, 1e-3)

	stored, err := cm.GetOne(ctx, scope, result.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.RelatedMemoryIDs, baseID)

	base, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Contains(t, base.RelatedMemoryIDs, result.ID)
}

func TestProcessRejectsDriftingRewrite(t *testing.T) {
	t.Parallel()
	// The rewrite lands closer to the incoming text than to the base, so
	// the geometric check fails and the incoming is absorbed instead.
	embedder := &scriptedEmbedder{vecs: map[string][]float32{
		"base statement":     {1, 0},
		"incoming statement": {0.898, 0.4400},
		"drifted rewrite":    {0.914, 0.4057},
	}}
	judge := &judgment.MockProvider{
		RewriteMergeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "drifted rewrite", nil
		},
	}
	dd, cm, _ := newDedup(t, embedder, judge)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "base statement"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "incoming statement"))
	require.NoError(t, err)
	assert.Equal(t, ActionAbsorbed, result.Action)

	base, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Equal(t, "base statement", base.Content)
}

func TestProcessRejectsRewriteCoveringIncomingWorse(t *testing.T) {
	t.Parallel()
	// The rewrite stays anchored to the base (0.971) but covers the
	// incoming worse (0.898) than the originals cover each other (0.914),
	// so the merge is rejected and the incoming absorbed.
	embedder := &scriptedEmbedder{vecs: map[string][]float32{
		"base statement":     {1, 0, 0},
		"incoming statement": {0.914, 0.04395, 0.4033},
		"lossy rewrite":      {0.971, 0.2391, 0},
	}}
	judge := &judgment.MockProvider{
		RewriteMergeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "lossy rewrite", nil
		},
	}
	dd, cm, _ := newDedup(t, embedder, judge)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "base statement"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "incoming statement"))
	require.NoError(t, err)
	assert.Equal(t, ActionAbsorbed, result.Action)
	assert.InDelta(t, 0.914, result.Similarity, 1e-3)

	base, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Equal(t, "base statement", base.Content)
}

func TestProcessAcceptsAnchoredRewrite(t *testing.T) {
	t.Parallel()
	// The rewrite stays closer to the base than to the incoming while
	// covering the incoming better than the originals cover each other.
	embedder := &scriptedEmbedder{vecs: map[string][]float32{
		"base statement":     {1, 0},
		"incoming statement": {0.898, 0.4400},
		"anchored rewrite":   {0.996, 0.0872},
	}}
	judge := &judgment.MockProvider{
		RewriteMergeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "anchored rewrite", nil
		},
	}
	dd, cm, _ := newDedup(t, embedder, judge)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "base statement"))
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "incoming statement"))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, result.Action)

	base, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Equal(t, "anchored rewrite", base.Content)
}

func TestProcessAbsorbsWhenJudgmentDown(t *testing.T) {
	t.Parallel()
	judge := &judgment.MockProvider{
		RewriteMergeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", types.NewError(types.ErrJudgmentUnavailable, "down")
		},
	}
	dd, cm, st := newDedup(t, embedding.NewMockProvider(64), judge)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	base := anchor(scope, "prefers written summaries over calls")
	base.Tags = []string{"communication"}
	baseID, err := cm.Save(ctx, base)
	require.NoError(t, err)

	incoming := anchor(scope, "prefers written summaries over calls")
	incoming.Tags = []string{"preference"}
	incoming.Importance = 8

	result, err := dd.Process(ctx, incoming)
	require.NoError(t, err)
	assert.Equal(t, ActionAbsorbed, result.Action)
	assert.Equal(t, 1, st.Len())

	stored, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Equal(t, "prefers written summaries over calls", stored.Content)
	assert.ElementsMatch(t, []string{"communication", "preference"}, stored.Tags)
	assert.InDelta(t, 8.0, stored.Importance, 1e-9) // max(5,8), no boost on absorb
}

func TestRepeatedAbsorbsNeverBoostImportance(t *testing.T) {
	t.Parallel()
	judge := &judgment.MockProvider{
		RewriteMergeFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", types.NewError(types.ErrJudgmentUnavailable, "down")
		},
	}
	dd, cm, _ := newDedup(t, embedding.NewMockProvider(64), judge)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	baseID, err := cm.Save(ctx, anchor(scope, "keeps a standing friday review"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		result, perr := dd.Process(ctx, anchor(scope, "keeps a standing friday review"))
		require.NoError(t, perr)
		require.Equal(t, ActionAbsorbed, result.Action)
	}

	stored, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, stored.Importance, 1e-9)
}

func TestProcessNeverMergesIntoCore(t *testing.T) {
	t.Parallel()
	dd, cm, st := newDedup(t, embedding.NewMockProvider(64), &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	core := &types.Memory{
		Scope:      scope,
		Type:       types.MemoryCore,
		Content:    "always protect user trust",
		Importance: 10,
		Confidence: 1,
	}
	coreID, err := cm.Save(ctx, core)
	require.NoError(t, err)

	result, err := dd.Process(ctx, anchor(scope, "always protect user trust"))
	require.NoError(t, err)
	assert.Equal(t, ActionLinked, result.Action)
	assert.Equal(t, 2, st.Len())

	stored, err := cm.GetOne(ctx, scope, coreID)
	require.NoError(t, err)
	assert.Equal(t, "always protect user trust", stored.Content)
	assert.InDelta(t, 10, stored.Importance, 1e-9)
}

func TestProcessStoresNewWhenEmbeddingFails(t *testing.T) {
	t.Parallel()
	embedder := embedding.NewMockProvider(64)
	dd, _, st := newDedup(t, embedder, &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	embedder.FailWith = types.NewError(types.ErrEmbeddingFailed, "down")
	result, err := dd.Process(ctx, anchor(scope, "new fact arriving during outage"))
	require.NoError(t, err)
	assert.Equal(t, ActionNew, result.Action)
	assert.Equal(t, 1, st.Len())
}

func TestMergeExistingRepointsEdgesAndDeletesDup(t *testing.T) {
	t.Parallel()
	dd, cm, st := newDedup(t, embedding.NewMockProvider(64), &judgment.MockProvider{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	base := anchor(scope, "runs the harbor book club")
	baseID, err := cm.Save(ctx, base)
	require.NoError(t, err)

	bystander := anchor(scope, "reading tolstoy this month")
	bystanderID, err := cm.Save(ctx, bystander)
	require.NoError(t, err)

	dup := anchor(scope, "runs the harbor book club")
	dup.RelatedMemoryIDs = []string{bystanderID}
	dupID, err := cm.Save(ctx, dup)
	require.NoError(t, err)
	bystander.RelatedMemoryIDs = []string{dupID}
	require.NoError(t, cm.Update(ctx, bystander))

	baseStored, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	dupStored, err := cm.GetOne(ctx, scope, dupID)
	require.NoError(t, err)

	_, err = dd.MergeExisting(ctx, baseStored, dupStored)
	require.NoError(t, err)

	assert.Equal(t, 2, st.Len())
	_, err = cm.GetOne(ctx, scope, dupID)
	assert.True(t, types.IsNotFound(err))

	survivor, err := cm.GetOne(ctx, scope, baseID)
	require.NoError(t, err)
	assert.Contains(t, survivor.RelatedMemoryIDs, bystanderID)
	assert.Contains(t, survivor.SynthesizedFrom, dupID)

	repointed, err := cm.GetOne(ctx, scope, bystanderID)
	require.NoError(t, err)
	assert.Contains(t, repointed.RelatedMemoryIDs, baseID)
	assert.NotContains(t, repointed.RelatedMemoryIDs, dupID)
}
