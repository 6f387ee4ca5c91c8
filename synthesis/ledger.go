package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/types"
)

// Candidate statuses. Pending candidates are re-evaluated every run;
// promoted and rejected are terminal.
const (
	StatusPending  = "PENDING"
	StatusPromoted = "PROMOTED"
	StatusRejected = "REJECTED"
)

// candidateRow maps to the promotion_candidates table. One row per
// normalized pattern per scope, accumulated across runs.
type candidateRow struct {
	ID         uint   `gorm:"primaryKey"`
	EntityID   string `gorm:"index:idx_candidates_scope"`
	ScopeKey   string `gorm:"index:idx_candidates_scope"`
	ContentKey string `gorm:"index"`
	Content    string

	Occurrences   int
	ImportanceSum float64
	FirstSeen     time.Time
	LastSeen      time.Time

	RunIDs    json.RawMessage
	SourceIDs json.RawMessage

	Status     string `gorm:"index;default:PENDING"`
	ResolvedAt *time.Time
}

func (candidateRow) TableName() string { return "promotion_candidates" }

// Candidate is a pattern nomination accumulated across synthesis runs.
type Candidate struct {
	ID            uint
	Scope         types.Scope
	Content       string
	Occurrences   int
	AvgImportance float64
	FirstSeen     time.Time
	LastSeen      time.Time
	SourceIDs     []string
	Status        string
}

// Ledger persists promotion candidates in sqlite so nominations survive
// restarts and the gate can reason about spans of days.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger opens the ledger database and migrates its table.
func NewLedger(cfg config.LedgerConfig, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to open ledger").WithCause(err)
	}
	if err := db.AutoMigrate(&candidateRow{}); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "ledger migration failed").WithCause(err)
	}
	return &Ledger{db: db, logger: logger.With(zap.String("component", "promotion_ledger"))}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// contentKey normalizes pattern text so rephrasings of the same pattern
// land on the same candidate row.
func contentKey(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// RecordNomination folds one pattern nomination into its candidate row.
// Nominations from the same run never inflate the occurrence count.
func (l *Ledger) RecordNomination(ctx context.Context, scope types.Scope, pattern judgment.Pattern, runID string, now time.Time) error {
	key := contentKey(pattern.Content)
	if key == "" {
		return types.NewError(types.ErrValidation, "empty pattern content")
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row candidateRow
		err := tx.Where("entity_id = ? AND scope_key = ? AND content_key = ?",
			scope.EntityID, scope.Key(), key).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = candidateRow{
				EntityID:      scope.EntityID,
				ScopeKey:      scope.Key(),
				ContentKey:    key,
				Content:       pattern.Content,
				Occurrences:   1,
				ImportanceSum: pattern.Importance,
				FirstSeen:     now,
				LastSeen:      now,
				RunIDs:        mustJSON([]string{runID}),
				SourceIDs:     mustJSON(pattern.SourceIDs),
				Status:        StatusPending,
			}
			return tx.Create(&row).Error
		case err != nil:
			return err
		}

		if row.Status != StatusPending {
			// Terminal candidates stay resolved; late nominations are noise.
			return nil
		}

		runIDs := fromJSON(row.RunIDs)
		for _, existing := range runIDs {
			if existing == runID {
				return nil
			}
		}
		runIDs = append(runIDs, runID)

		sourceIDs := fromJSON(row.SourceIDs)
		for _, src := range pattern.SourceIDs {
			sourceIDs = appendMissing(sourceIDs, src)
		}

		row.Occurrences = len(runIDs)
		row.ImportanceSum += pattern.Importance
		row.LastSeen = now
		row.RunIDs = mustJSON(runIDs)
		row.SourceIDs = mustJSON(sourceIDs)
		return tx.Save(&row).Error
	})
}

// Pending returns the scope's unresolved candidates.
func (l *Ledger) Pending(ctx context.Context, scope types.Scope) ([]Candidate, error) {
	var rows []candidateRow
	err := l.db.WithContext(ctx).
		Where("entity_id = ? AND scope_key = ? AND status = ?",
			scope.EntityID, scope.Key(), StatusPending).
		Order("first_seen ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, candidateFromRow(row, scope))
	}
	return out, nil
}

// Resolve marks a candidate terminally promoted or rejected. A candidate
// is resolved exactly once; resolving a non-pending row is a no-op.
func (l *Ledger) Resolve(ctx context.Context, id uint, status string, now time.Time) error {
	if status != StatusPromoted && status != StatusRejected {
		return types.NewError(types.ErrValidation, "status must be terminal")
	}
	return l.db.WithContext(ctx).Model(&candidateRow{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": status, "resolved_at": now}).Error
}

func candidateFromRow(row candidateRow, scope types.Scope) Candidate {
	avg := 0.0
	if row.Occurrences > 0 {
		avg = row.ImportanceSum / float64(row.Occurrences)
	}
	return Candidate{
		ID:            row.ID,
		Scope:         scope,
		Content:       row.Content,
		Occurrences:   row.Occurrences,
		AvgImportance: avg,
		FirstSeen:     row.FirstSeen,
		LastSeen:      row.LastSeen,
		SourceIDs:     fromJSON(row.SourceIDs),
		Status:        row.Status,
	}
}

func mustJSON(values []string) json.RawMessage {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return data
}

func fromJSON(raw json.RawMessage) []string {
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out
}

func appendMissing(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}
