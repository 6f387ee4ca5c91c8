package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/dedup"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/hot"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/synthesis"
	"github.com/evermind-ai/evermind/types"
)

type engineFixture struct {
	engine *Engine
	judge  *judgment.MockProvider
	store  *store.InMemoryStore
	clock  *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewInMemoryStore(nil)
	judge := &judgment.MockProvider{}
	ledger, err := synthesis.NewLedger(config.LedgerConfig{Path: ":memory:"}, nil)
	require.NoError(t, err)

	eng, err := New(context.Background(), config.DefaultConfig(), Deps{
		Logger:   zap.NewNop(),
		Registry: prometheus.NewRegistry(),
		Store:    st,
		Embedder: embedding.NewMockProvider(64),
		Judge:    judge,
		Redis:    client,
		Ledger:   ledger,
		Now:      func() time.Time { return clock },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &engineFixture{engine: eng, judge: judge, store: st, clock: &clock}
}

func TestRememberAndBuildContext(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	result, err := f.engine.Remember(ctx, scope, RememberRequest{
		Type:    types.MemoryAnchor,
		Content: "promised to review the harbor proposal by friday",
	})
	require.NoError(t, err)
	assert.Equal(t, dedup.ActionNew, result.Action)

	out := f.engine.BuildContext(ctx, scope, "harbor proposal review")
	assert.Contains(t, out.Text, "promised to review the harbor proposal")
	assert.Contains(t, out.IncludedIDs, result.ID)
}

func TestBuildContextLeavesPulseForScheduler(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	require.NoError(t, f.engine.SetPulse(ctx, scope, hot.PulseTaskContext, "finish the report"))

	out := f.engine.BuildContext(ctx, scope, "status check")
	assert.Contains(t, out.Text, "- current task: finish the report")

	// Assembly only peeked; the slot is still there for its real consumer.
	value, ok, err := f.engine.ConsumePulse(ctx, scope, hot.PulseTaskContext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "finish the report", value)
}

func TestRememberConsolidatesDuplicates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	first, err := f.engine.Remember(ctx, scope, RememberRequest{
		Type: types.MemoryValue, Content: "prefers async written updates",
	})
	require.NoError(t, err)

	second, err := f.engine.Remember(ctx, scope, RememberRequest{
		Type: types.MemoryValue, Content: "prefers async written updates",
	})
	require.NoError(t, err)
	assert.Equal(t, dedup.ActionMerged, second.Action)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.store.Len())
}

func TestRememberRejectsCoreExtension(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Remember(context.Background(), types.EntityScope("agent-1"), RememberRequest{
		Type: types.MemoryCoreExtension, Content: "self-declared trait",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestSessionBoundaryResynthesizesCompass(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	f.judge.SynthesizeCompassFunc = func(_ context.Context, input judgment.CompassInput) (types.Compass, error) {
		require.NotEmpty(t, input.Turns)
		return types.Compass{Vibe: "warm", RecentStory: "talked through the move"}, nil
	}

	info, err := f.engine.StartSession(ctx, scope)
	require.NoError(t, err)
	assert.False(t, info.Boundary)
	require.NoError(t, f.engine.RecordTurn(ctx, scope, "user", "the movers come saturday"))
	require.NoError(t, f.engine.RecordTurn(ctx, scope, "assistant", "want a packing checklist?"))

	*f.clock = f.clock.Add(2 * time.Hour)
	info, err = f.engine.StartSession(ctx, scope)
	require.NoError(t, err)
	assert.True(t, info.Boundary)

	out := f.engine.BuildContext(ctx, scope, "")
	assert.Contains(t, out.Text, "Vibe: warm")
	assert.Contains(t, out.Text, "talked through the move")
}

func TestCompassStaysSingleton(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	vibe := "first"
	f.judge.SynthesizeCompassFunc = func(_ context.Context, _ judgment.CompassInput) (types.Compass, error) {
		return types.Compass{Vibe: vibe}, nil
	}

	for _, next := range []string{"second", "third"} {
		_, err := f.engine.StartSession(ctx, scope)
		require.NoError(t, err)
		require.NoError(t, f.engine.RecordTurn(ctx, scope, "user", "hello again"))
		*f.clock = f.clock.Add(2 * time.Hour)
		_, err = f.engine.StartSession(ctx, scope)
		require.NoError(t, err)
		vibe = next
	}

	stats, err := f.engine.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRecords)

	out := f.engine.BuildContext(ctx, scope, "")
	assert.Contains(t, out.Text, "Vibe: second")
}

func TestRunSynthesisSingleFlight(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := f.engine.Remember(ctx, scope, RememberRequest{
		Type: types.MemoryEpisode, Content: "compared two vendor quotes",
	})
	require.NoError(t, err)

	release := make(chan struct{})
	f.judge.DetectPatternsFunc = func(_ context.Context, _ []judgment.Statement) ([]judgment.Pattern, error) {
		<-release
		return nil, nil
	}

	events, err := f.engine.RunSynthesis(ctx, scope)
	require.NoError(t, err)

	// A second run for the same scope is refused while one is in flight.
	require.Eventually(t, func() bool {
		_, err := f.engine.RunSynthesis(ctx, scope)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	close(release)

	var final synthesis.Progress
	for p := range events {
		final = p
	}
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.Stats)
	assert.Equal(t, final.Stats.Processed,
		final.Stats.Absorbed+final.Stats.Merged+final.Stats.Linked+final.Stats.Kept+final.Stats.Errors)

	// Once finished, a new run is accepted again.
	events2, err := f.engine.RunSynthesis(ctx, scope)
	require.NoError(t, err)
	for range events2 {
	}
}

func TestRememberAsyncReportsFailures(t *testing.T) {
	f := newEngineFixture(t)
	scope := types.EntityScope("agent-1")

	// Empty content fails validation after the background hop.
	f.engine.RememberAsync(scope, RememberRequest{Type: types.MemoryValue, Content: ""})

	select {
	case err := <-f.engine.Errors():
		assert.Equal(t, types.ErrValidation, types.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a background write error")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	source := types.UserScope("agent-1", "old")
	target := types.UserScope("agent-1", "new")

	for _, content := range []string{"keeps a reading log", "volunteers at the shelter"} {
		_, err := f.engine.Remember(ctx, source, RememberRequest{Type: types.MemoryValue, Content: content})
		require.NoError(t, err)
	}

	archive, err := f.engine.Export(ctx, source)
	require.NoError(t, err)
	stats, err := f.engine.Import(ctx, target, archive)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Imported)

	moved, err := f.engine.Stats(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.TotalRecords)
}

func TestForgetByTag(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := f.engine.Remember(ctx, scope, RememberRequest{
		Type: types.MemoryArtifact, Content: "scratch note", Tags: []string{"scratch"},
	})
	require.NoError(t, err)
	_, err = f.engine.Remember(ctx, scope, RememberRequest{
		Type: types.MemoryArtifact, Content: "final version of the essay",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Forget(ctx, scope, []string{"scratch"}))
	stats, err := f.engine.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRecords)
}
