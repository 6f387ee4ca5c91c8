package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/hot"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/types"
)

// resynthesizeCompass folds a session's turn log into the scope's compass
// memory. It runs at session boundaries, before the old log clears.
func (e *Engine) resynthesizeCompass(ctx context.Context, scope types.Scope, turns []hot.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, turn.Content))
	}

	existing, previous := e.currentCompass(ctx, scope)
	compass, err := e.judge.SynthesizeCompass(ctx, judgment.CompassInput{
		Turns:    lines,
		Previous: previous,
	})
	if err != nil {
		// The old compass keeps serving; the next boundary tries again.
		e.logger.Warn("compass synthesis unavailable", zap.Error(err))
		return err
	}
	if compass.IsEmpty() {
		return nil
	}
	return e.writeCompass(ctx, scope, existing, compass)
}

// refreshStaleCompass rebuilds the compass from the live turn log when it
// has aged past the configured maximum without a session boundary.
func (e *Engine) refreshStaleCompass(ctx context.Context, scope types.Scope) {
	maxAge := e.cfg.Session.CompassMaxAge
	if maxAge <= 0 {
		return
	}
	existing, _ := e.currentCompass(ctx, scope)
	if existing == nil || e.now().Sub(existing.Timestamp) < maxAge {
		return
	}
	turns, err := e.hot.Turns(ctx, scope, 0)
	if err != nil || len(turns) == 0 {
		return
	}
	if err := e.resynthesizeCompass(ctx, scope, turns); err != nil {
		e.logger.Debug("stale compass refresh skipped", zap.Error(err))
	}
}

// currentCompass loads the scope's compass memory, if any.
func (e *Engine) currentCompass(ctx context.Context, scope types.Scope) (*types.Memory, types.Compass) {
	episodes, err := e.cold.ByType(ctx, scope, types.MemoryEpisode)
	if err != nil {
		e.logger.Warn("compass lookup failed", zap.Error(err))
		return nil, types.Compass{}
	}
	var latest *types.Memory
	for _, mem := range episodes {
		if !mem.HasTag(types.CompassTag) {
			continue
		}
		if latest == nil || mem.Timestamp.After(latest.Timestamp) {
			latest = mem
		}
	}
	if latest == nil {
		return nil, types.Compass{}
	}
	return latest, types.ParseCompass(latest.Content)
}

// writeCompass persists the compass as the scope's singleton tagged
// EPISODE memory, updating in place when one exists.
func (e *Engine) writeCompass(ctx context.Context, scope types.Scope, existing *types.Memory, compass types.Compass) error {
	content := compass.Render()
	now := e.now()
	if existing != nil {
		existing.Content = content
		existing.Embedding = nil // re-embedded on write
		existing.Timestamp = now
		return e.cold.Update(ctx, existing)
	}
	_, err := e.cold.Save(ctx, &types.Memory{
		Scope:         scope,
		Type:          types.MemoryEpisode,
		Content:       content,
		Importance:    7,
		Confidence:    1,
		Timestamp:     now,
		Tags:          []string{types.CompassTag},
		SynthesisType: types.SynthesisAuto,
	})
	return err
}
