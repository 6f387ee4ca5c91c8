package cold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/types"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func newTestCold(t *testing.T) (*ColdMemory, *embedding.MockProvider) {
	t.Helper()
	embedder := embedding.NewMockProvider(64)
	cm := New(store.NewInMemoryStore(nil), embedder,
		Options{Now: func() time.Time { return testNow }}, nil)
	t.Cleanup(func() { _ = cm.Close() })
	return cm, embedder
}

func newMemory(scope types.Scope, memType types.MemoryType, content string) *types.Memory {
	return &types.Memory{
		Scope:      scope,
		Type:       memType,
		Content:    content,
		Importance: 5,
		Confidence: 0.9,
	}
}

func TestSaveFillsDefaultsAndEmbeds(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	mem := newMemory(scope, types.MemoryAnchor, "promised to review the harbor proposal")
	id, err := cm.Save(ctx, mem)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := cm.GetOne(ctx, scope, id)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", stored.EntityID)
	assert.Equal(t, testNow, stored.Timestamp)
	assert.NotEmpty(t, stored.Embedding)
}

func TestSaveRejectsCoreExtension(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	scope := types.EntityScope("agent-1")

	mem := newMemory(scope, types.MemoryCoreExtension, "always double-checks sources")
	_, err := cm.Save(context.Background(), mem)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	// The promotion door accepts the same record.
	mem.SynthesisType = types.SynthesisPattern
	_, err = cm.SavePromoted(context.Background(), mem)
	require.NoError(t, err)
}

func TestSaveRejectsInvalidMemory(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	scope := types.EntityScope("agent-1")

	mem := newMemory(scope, types.MemoryValue, "")
	_, err := cm.Save(context.Background(), mem)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestSaveStoresWithoutVectorWhenEmbeddingFails(t *testing.T) {
	t.Parallel()
	cm, embedder := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	embedder.FailWith = types.NewError(types.ErrEmbeddingFailed, "backend down")
	mem := newMemory(scope, types.MemoryArtifact, "draft of the quarterly summary")
	id, err := cm.Save(ctx, mem)
	require.NoError(t, err)

	stored, err := cm.GetOne(ctx, scope, id)
	require.NoError(t, err)
	assert.Empty(t, stored.Embedding)

	// Text search still reaches it.
	embedder.FailWith = types.NewError(types.ErrEmbeddingFailed, "still down")
	results, err := cm.Search(ctx, scope, "quarterly summary", nil, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Memory.ID)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := cm.Save(ctx, newMemory(scope, types.MemoryValue, "prefers quiet mornings for deep work"))
	require.NoError(t, err)
	onTopic, err := cm.Save(ctx, newMemory(scope, types.MemoryAnchor, "weekly harbor walk with sam"))
	require.NoError(t, err)

	results, err := cm.Search(ctx, scope, "harbor walk with sam", nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, onTopic, results[0].Memory.ID)
}

func TestSearchTypeFilter(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := cm.Save(ctx, newMemory(scope, types.MemoryValue, "sailing matters"))
	require.NoError(t, err)
	anchorID, err := cm.Save(ctx, newMemory(scope, types.MemoryAnchor, "sailing lesson promised"))
	require.NoError(t, err)

	results, err := cm.Search(ctx, scope, "sailing", store.TypeFilter(types.MemoryAnchor), 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, anchorID, results[0].Memory.ID)
}

func TestByTypeAndStats(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := cm.Save(ctx, newMemory(scope, types.MemoryCore, "be honest"))
	require.NoError(t, err)
	_, err = cm.Save(ctx, newMemory(scope, types.MemoryCore, "protect user trust"))
	require.NoError(t, err)
	_, err = cm.Save(ctx, newMemory(scope, types.MemoryEpisode, "first conversation about the move"))
	require.NoError(t, err)

	cores, err := cm.ByType(ctx, scope, types.MemoryCore)
	require.NoError(t, err)
	assert.Len(t, cores, 2)

	stats, err := cm.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.ByType[string(types.MemoryCore)])
	assert.Equal(t, testNow, stats.NewestRecord)
}

func TestSinceHonorsCutoff(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	old := newMemory(scope, types.MemoryEpisode, "old episode")
	old.Timestamp = testNow.AddDate(0, 0, -30)
	_, err := cm.Save(ctx, old)
	require.NoError(t, err)

	fresh := newMemory(scope, types.MemoryEpisode, "fresh episode")
	freshID, err := cm.Save(ctx, fresh)
	require.NoError(t, err)

	recent, err := cm.Since(ctx, scope, testNow.AddDate(0, 0, -14), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, freshID, recent[0].ID)
}

func TestTouchBumpsRecallBookkeeping(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	id, err := cm.Save(ctx, newMemory(scope, types.MemoryValue, "keeps promises"))
	require.NoError(t, err)

	cm.Touch(ctx, scope, []string{id})
	cm.Touch(ctx, scope, []string{id})

	stored, err := cm.GetOne(ctx, scope, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RecallCount)
	assert.Equal(t, testNow, stored.LastAccessed)
}

func TestDeleteByTags(t *testing.T) {
	t.Parallel()
	cm, _ := newTestCold(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	tagged := newMemory(scope, types.MemoryArtifact, "scratch note")
	tagged.Tags = []string{"scratch"}
	taggedID, err := cm.Save(ctx, tagged)
	require.NoError(t, err)
	keptID, err := cm.Save(ctx, newMemory(scope, types.MemoryArtifact, "final note"))
	require.NoError(t, err)

	require.NoError(t, cm.DeleteByTags(ctx, scope, []string{"scratch"}))

	_, err = cm.GetOne(ctx, scope, taggedID)
	assert.True(t, types.IsNotFound(err))
	_, err = cm.GetOne(ctx, scope, keptID)
	assert.NoError(t, err)
}
