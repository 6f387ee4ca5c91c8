package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
)

// New constructs the MemoryStore selected by cfg.Backend.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (MemoryStore, error) {
	switch cfg.Backend {
	case config.StoreQdrant:
		return NewQdrantStore(cfg, logger), nil
	case config.StorePgVector:
		return NewPgVectorStore(ctx, cfg, logger)
	case config.StoreChromem:
		return NewChromemStore(cfg, logger)
	case config.StoreInMemory:
		return NewInMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
