package hot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

func newTestHot(t *testing.T, opts Options) (*HotMemory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig().Session
	return NewWithClient(client, "test:", cfg, opts, nil), mr
}

func TestRecordTurnAndTurns(t *testing.T) {
	t.Parallel()
	hm, _ := newTestHot(t, Options{})
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	require.NoError(t, hm.RecordTurn(ctx, scope, "user", "hello"))
	require.NoError(t, hm.RecordTurn(ctx, scope, "assistant", "hi there"))

	turns, err := hm.Turns(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "hi there", turns[1].Content)
}

func TestTurnLogTrimsToCap(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig().Session
	cfg.TurnLogCap = 3
	hm := NewWithClient(client, "test:", cfg, Options{}, nil)

	ctx := context.Background()
	scope := types.EntityScope("agent-1")
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, hm.RecordTurn(ctx, scope, "user", content))
	}

	turns, err := hm.Turns(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	// Oldest entries fall off, newest are kept in order.
	assert.Equal(t, "c", turns[0].Content)
	assert.Equal(t, "e", turns[2].Content)
}

func TestTurnsLimitReturnsNewest(t *testing.T) {
	t.Parallel()
	hm, _ := newTestHot(t, Options{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, hm.RecordTurn(ctx, scope, "user", content))
	}
	turns, err := hm.Turns(ctx, scope, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "b", turns[0].Content)
	assert.Equal(t, "c", turns[1].Content)
}

func TestInitSessionBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clock := now

	var handlerTurns []Turn
	opts := Options{
		Now: func() time.Time { return clock },
		OnBoundary: func(_ context.Context, _ types.Scope, turns []Turn) error {
			handlerTurns = turns
			return nil
		},
	}
	hm, _ := newTestHot(t, opts)
	ctx := context.Background()
	scope := types.UserScope("agent-1", "user-1")

	// First session: no boundary.
	info, err := hm.InitSession(ctx, scope)
	require.NoError(t, err)
	assert.False(t, info.Boundary)

	require.NoError(t, hm.RecordTurn(ctx, scope, "user", "remember the docks"))

	// A short gap does not end the session.
	clock = now.Add(5 * time.Minute)
	info, err = hm.InitSession(ctx, scope)
	require.NoError(t, err)
	assert.False(t, info.Boundary)
	assert.Nil(t, handlerTurns)

	// Past the idle boundary: handler gets the old log, log is cleared.
	clock = clock.Add(time.Hour)
	info, err = hm.InitSession(ctx, scope)
	require.NoError(t, err)
	assert.True(t, info.Boundary)
	require.Len(t, handlerTurns, 1)
	assert.Equal(t, "remember the docks", handlerTurns[0].Content)

	turns, err := hm.Turns(ctx, scope, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestExpressionLastWriteWinsAndClearsAtBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clock := now
	hm, _ := newTestHot(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	_, err := hm.InitSession(ctx, scope)
	require.NoError(t, err)
	require.NoError(t, hm.SetExpression(ctx, scope, "tone", "dry"))
	require.NoError(t, hm.SetExpression(ctx, scope, "tone", "warm"))

	state, err := hm.Expression(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "warm", state["tone"])

	clock = clock.Add(2 * time.Hour)
	info, err := hm.InitSession(ctx, scope)
	require.NoError(t, err)
	require.True(t, info.Boundary)

	state, err = hm.Expression(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestPulseConsumeOnRead(t *testing.T) {
	t.Parallel()
	hm, _ := newTestHot(t, Options{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	require.NoError(t, hm.SetPulse(ctx, scope, PulseTaskContext, "deploy window tonight"))
	// Overwrite before consumption: single slot, last write wins.
	require.NoError(t, hm.SetPulse(ctx, scope, PulseTaskContext, "deploy moved to friday"))

	value, ok, err := hm.ConsumePulse(ctx, scope, PulseTaskContext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deploy moved to friday", value)

	_, ok, err = hm.ConsumePulse(ctx, scope, PulseTaskContext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPulsePeekLeavesSlotIntact(t *testing.T) {
	t.Parallel()
	hm, _ := newTestHot(t, Options{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	require.NoError(t, hm.SetPulse(ctx, scope, PulseTaskContext, "finish the report"))

	for i := 0; i < 2; i++ {
		value, ok, err := hm.PeekPulse(ctx, scope, PulseTaskContext)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "finish the report", value)
	}

	// The scheduler still gets to consume after any number of peeks.
	value, ok, err := hm.ConsumePulse(ctx, scope, PulseTaskContext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "finish the report", value)

	_, ok, err = hm.PeekPulse(ctx, scope, PulseTaskContext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopeIsolation(t *testing.T) {
	t.Parallel()
	hm, _ := newTestHot(t, Options{})
	ctx := context.Background()
	alice := types.UserScope("agent-1", "alice")
	bob := types.UserScope("agent-1", "bob")

	require.NoError(t, hm.RecordTurn(ctx, alice, "user", "alice speaking"))

	turns, err := hm.Turns(ctx, bob, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestFailOpenWhenBackendDown(t *testing.T) {
	t.Parallel()
	hm, mr := newTestHot(t, Options{})
	ctx := context.Background()
	scope := types.EntityScope("agent-1")

	require.NoError(t, hm.RecordTurn(ctx, scope, "user", "before outage"))
	mr.Close()

	// Writes become no-ops, reads answer empty; no error surfaces.
	assert.NoError(t, hm.RecordTurn(ctx, scope, "user", "during outage"))
	turns, err := hm.Turns(ctx, scope, 0)
	assert.NoError(t, err)
	assert.Empty(t, turns)

	state, err := hm.Expression(ctx, scope)
	assert.NoError(t, err)
	assert.Empty(t, state)

	_, ok, err := hm.ConsumePulse(ctx, scope, PulseEndOfCycle)
	assert.NoError(t, err)
	assert.False(t, ok)

	info, err := hm.InitSession(ctx, scope)
	assert.NoError(t, err)
	assert.False(t, info.Boundary)
}
