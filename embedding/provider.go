// Package embedding provides text-to-vector providers for the memory engine.
package embedding

import (
	"context"
)

// Provider converts text into fixed-dimension float vectors.
//
// Failure contract: a failed call must never corrupt a record. Callers
// store an empty vector and re-embed later, or fail that single write.
type Provider interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
