package judgment

import (
	"context"
	"strings"

	"github.com/evermind-ai/evermind/types"
)

// MockProvider is a scripted judgment provider for tests. Unset function
// fields fall back to simple deterministic behavior.
type MockProvider struct {
	RewriteMergeFunc       func(ctx context.Context, base, incoming string) (string, error)
	DetectPatternsFunc     func(ctx context.Context, statements []Statement) ([]Pattern, error)
	FindContradictionsFunc func(ctx context.Context, statements []Statement) ([]Contradiction, error)
	SynthesizeCompassFunc  func(ctx context.Context, input CompassInput) (types.Compass, error)
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) RewriteMerge(ctx context.Context, base, incoming string) (string, error) {
	if m.RewriteMergeFunc != nil {
		return m.RewriteMergeFunc(ctx, base, incoming)
	}
	if strings.Contains(base, incoming) {
		return base, nil
	}
	return base + " " + incoming, nil
}

func (m *MockProvider) DetectPatterns(ctx context.Context, statements []Statement) ([]Pattern, error) {
	if m.DetectPatternsFunc != nil {
		return m.DetectPatternsFunc(ctx, statements)
	}
	return nil, nil
}

func (m *MockProvider) FindContradictions(ctx context.Context, statements []Statement) ([]Contradiction, error) {
	if m.FindContradictionsFunc != nil {
		return m.FindContradictionsFunc(ctx, statements)
	}
	return nil, nil
}

func (m *MockProvider) SynthesizeCompass(ctx context.Context, input CompassInput) (types.Compass, error) {
	if m.SynthesizeCompassFunc != nil {
		return m.SynthesizeCompassFunc(ctx, input)
	}
	compass := types.Compass{RecentStory: strings.Join(input.Turns, " | ")}
	if compass.RecentStory == "" {
		compass = input.Previous
	}
	return compass, nil
}
