// Package transfer implements bulk export and import of a scope's
// durable memories, for backup and migration between deployments.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/types"
)

// FormatVersion is the archive schema version. Import refuses archives
// from a newer schema instead of guessing at their fields.
const FormatVersion = 1

// Metadata describes an archive.
type Metadata struct {
	EntityID      string    `json:"entity_id"`
	Scope         string    `json:"scope"`
	ExportedAt    time.Time `json:"exported_at"`
	TotalMemories int       `json:"total_memories"`
	FormatVersion int       `json:"format_version"`
}

// Archive is a complete export of one scope.
type Archive struct {
	Metadata Metadata        `json:"metadata"`
	Memories []*types.Memory `json:"memories"`
}

// ImportStats reports an import outcome.
type ImportStats struct {
	Imported int `json:"imported"`
	Rejected int `json:"rejected"`
}

// Transfer moves scope archives in and out of cold memory.
type Transfer struct {
	cold   *cold.ColdMemory
	logger *zap.Logger
	now    func() time.Time
}

// Options tunes the transfer service.
type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds a transfer service over the cold layer.
func New(cm *cold.ColdMemory, opts Options, logger *zap.Logger) *Transfer {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Transfer{
		cold:   cm,
		logger: logger.With(zap.String("component", "transfer")),
		now:    now,
	}
}

// Export walks the scope's full scan and returns everything, embeddings
// included, so an import never has to re-embed.
func (t *Transfer) Export(ctx context.Context, scope types.Scope) (*Archive, error) {
	var memories []*types.Memory
	err := t.cold.ForEachPage(ctx, scope, func(page []*types.Memory) error {
		memories = append(memories, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Archive{
		Metadata: Metadata{
			EntityID:      scope.EntityID,
			Scope:         scope.Key(),
			ExportedAt:    t.now(),
			TotalMemories: len(memories),
			FormatVersion: FormatVersion,
		},
		Memories: memories,
	}, nil
}

// Import writes an archive into the given scope. Records keep their ids,
// so importing the same archive twice is idempotent. Records that fail
// validation are counted and skipped, never fatal.
func (t *Transfer) Import(ctx context.Context, scope types.Scope, archive *Archive) (*ImportStats, error) {
	if archive.Metadata.FormatVersion > FormatVersion {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("archive format %d is newer than supported %d",
				archive.Metadata.FormatVersion, FormatVersion))
	}

	stats := &ImportStats{}
	for _, mem := range archive.Memories {
		imported := mem.Clone()
		imported.Scope = scope
		imported.EntityID = scope.EntityID
		if imported.SynthesisType == "" {
			imported.SynthesisType = types.SynthesisMigration
		}
		if err := imported.Validate(); err != nil {
			t.logger.Warn("skipping invalid archive record",
				zap.String("memory_id", imported.ID), zap.Error(err))
			stats.Rejected++
			continue
		}
		if _, err := t.cold.SavePromoted(ctx, imported); err != nil {
			return stats, err
		}
		stats.Imported++
	}
	return stats, nil
}

// Encode writes an archive as JSON.
func Encode(w io.Writer, archive *Archive) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(archive)
}

// Decode reads a JSON archive.
func Decode(r io.Reader) (*Archive, error) {
	var archive Archive
	if err := json.NewDecoder(r).Decode(&archive); err != nil {
		return nil, types.NewError(types.ErrValidation, "unreadable archive").WithCause(err)
	}
	return &archive, nil
}
