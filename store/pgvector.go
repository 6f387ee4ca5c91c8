package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

// memoryRow maps to the memories table. Nested structured fields are
// stored as JSONB; that encoding never leaks out of this adapter.
type memoryRow struct {
	ID       string `gorm:"primaryKey"`
	EntityID string `gorm:"index:idx_memories_scope"`
	ScopeKey string `gorm:"index:idx_memories_scope"`
	Type     string `gorm:"index"`
	Content  string

	Embedding *pgvector.Vector `gorm:"type:vector"`

	Importance float64
	Confidence float64
	DecayRate  float64

	Timestamp    time.Time `gorm:"index"`
	LastAccessed *time.Time
	RecallCount  int

	Tags              json.RawMessage `gorm:"type:jsonb"`
	EmotionalState    json.RawMessage `gorm:"type:jsonb"`
	RelationalContext json.RawMessage `gorm:"type:jsonb"`
	RelatedMemoryIDs  json.RawMessage `gorm:"type:jsonb"`
	SynthesizedFrom   json.RawMessage `gorm:"type:jsonb"`

	ParentMemoryID string
	SynthesisType  string
}

func (memoryRow) TableName() string { return "memories" }

// PgVectorStore implements MemoryStore over Postgres with the pgvector
// extension.
type PgVectorStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPgVectorStore opens the database, verifies connectivity, and migrates
// the memories table.
func NewPgVectorStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*PgVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PostgresDSN == "" {
		return nil, types.NewError(types.ErrNotConfigured, "postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, types.NewError(types.ErrTransientIO, "failed to ping database").WithCause(err).WithRetryable(true)
	}
	if err := db.WithContext(ctx).AutoMigrate(&memoryRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate memories table: %w", err)
	}

	return &PgVectorStore{
		db:     db,
		logger: logger.With(zap.String("component", "store_pgvector")),
	}, nil
}

func rowFromMemory(m *types.Memory) (*memoryRow, error) {
	row := &memoryRow{
		ID:             m.ID,
		EntityID:       m.EntityID,
		ScopeKey:       m.Scope.Key(),
		Type:           string(m.Type),
		Content:        m.Content,
		Importance:     m.Importance,
		Confidence:     m.Confidence,
		DecayRate:      m.DecayRate,
		Timestamp:      m.Timestamp,
		RecallCount:    m.RecallCount,
		ParentMemoryID: m.ParentMemoryID,
		SynthesisType:  string(m.SynthesisType),
	}
	if !m.LastAccessed.IsZero() {
		la := m.LastAccessed
		row.LastAccessed = &la
	}
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		row.Embedding = &v
	}
	var err error
	if row.Tags, err = marshalJSONB(m.Tags); err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	if row.EmotionalState, err = marshalJSONB(m.EmotionalState); err != nil {
		return nil, fmt.Errorf("failed to encode emotional state: %w", err)
	}
	if row.RelationalContext, err = marshalJSONB(m.RelationalContext); err != nil {
		return nil, fmt.Errorf("failed to encode relational context: %w", err)
	}
	if row.RelatedMemoryIDs, err = marshalJSONB(m.RelatedMemoryIDs); err != nil {
		return nil, fmt.Errorf("failed to encode related ids: %w", err)
	}
	if row.SynthesizedFrom, err = marshalJSONB(m.SynthesizedFrom); err != nil {
		return nil, fmt.Errorf("failed to encode provenance: %w", err)
	}
	return row, nil
}

func memoryFromRow(row *memoryRow) (*types.Memory, error) {
	scope, err := types.ParseScopeKey(row.EntityID, row.ScopeKey)
	if err != nil {
		return nil, err
	}
	m := &types.Memory{
		ID:             row.ID,
		EntityID:       row.EntityID,
		Scope:          scope,
		Type:           types.MemoryType(row.Type),
		Content:        row.Content,
		Importance:     row.Importance,
		Confidence:     row.Confidence,
		DecayRate:      row.DecayRate,
		Timestamp:      row.Timestamp,
		RecallCount:    row.RecallCount,
		ParentMemoryID: row.ParentMemoryID,
		SynthesisType:  types.SynthesisType(row.SynthesisType),
	}
	if row.LastAccessed != nil {
		m.LastAccessed = *row.LastAccessed
	}
	if row.Embedding != nil {
		m.Embedding = row.Embedding.Slice()
	}
	_ = unmarshalJSONB(row.Tags, &m.Tags)
	_ = unmarshalJSONB(row.RelatedMemoryIDs, &m.RelatedMemoryIDs)
	_ = unmarshalJSONB(row.SynthesizedFrom, &m.SynthesizedFrom)
	if len(row.EmotionalState) > 0 {
		var es types.EmotionalState
		if err := unmarshalJSONB(row.EmotionalState, &es); err == nil {
			m.EmotionalState = &es
		}
	}
	if len(row.RelationalContext) > 0 {
		rc := make(map[string]any)
		if err := unmarshalJSONB(row.RelationalContext, &rc); err == nil {
			m.RelationalContext = rc
		}
	}
	return m, nil
}

func marshalJSONB(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func unmarshalJSONB(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func (s *PgVectorStore) scoped(ctx context.Context, scope types.Scope) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("entity_id = ?", scope.EntityID).
		Where("scope_key = ?", scope.Key())
}

// Upsert writes or replaces a memory row by primary key.
func (s *PgVectorStore) Upsert(ctx context.Context, mem *types.Memory) (string, error) {
	if err := mem.Validate(); err != nil {
		return "", err
	}
	row, err := rowFromMemory(mem)
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return "", fmt.Errorf("failed to upsert memory: %w", err)
	}
	return mem.ID, nil
}

// GetByIDs fetches memories by id within a scope.
func (s *PgVectorStore) GetByIDs(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []memoryRow
	if err := s.scoped(ctx, scope).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	return s.decodeRows(rows), nil
}

// DeleteByIDs removes memories by id within a scope.
func (s *PgVectorStore) DeleteByIDs(ctx context.Context, scope types.Scope, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.scoped(ctx, scope).Where("id IN ?", ids).Delete(&memoryRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete memories: %w", err)
	}
	return nil
}

// DeleteByFilter removes a scope's memories, optionally those carrying
// every given tag.
func (s *PgVectorStore) DeleteByFilter(ctx context.Context, scope types.Scope, tags []string) error {
	q := s.scoped(ctx, scope)
	for _, tag := range tags {
		q = q.Where("tags @> ?", tagContainment(tag))
	}
	if err := q.Delete(&memoryRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete memories by filter: %w", err)
	}
	return nil
}

// SearchVector runs cosine nearest-neighbor search with scalar scope filters.
func (s *PgVectorStore) SearchVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]SearchResult, error) {
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}

	conditions := "embedding IS NOT NULL AND entity_id = ? AND scope_key = ?"
	args := []any{pgvector.NewVector(query), scope.EntityID, scope.Key()}
	if typeFilter != nil {
		conditions += " AND type = ?"
		args = append(args, string(*typeFilter))
	}
	args = append(args, topK)

	sql := fmt.Sprintf(`
		SELECT *, 1 - (embedding <=> ?) AS similarity
		FROM memories
		WHERE %s
		ORDER BY similarity DESC
		LIMIT ?`, conditions)

	var rows []struct {
		memoryRow
		Similarity float64
	}
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search similar memories: %w", err)
	}

	out := make([]SearchResult, 0, len(rows))
	for i := range rows {
		m, err := memoryFromRow(&rows[i].memoryRow)
		if err != nil {
			s.logger.Warn("skipping undecodable row", zap.Error(err))
			continue
		}
		out = append(out, SearchResult{Memory: m, Similarity: rows[i].Similarity})
	}
	return out, nil
}

// SearchFullText matches content case-insensitively, newest first.
func (s *PgVectorStore) SearchFullText(ctx context.Context, scope types.Scope, query string, limit, skip int) ([]*types.Memory, error) {
	var rows []memoryRow
	err := s.scoped(ctx, scope).
		Where("content ILIKE ?", "%"+query+"%").
		Order("timestamp DESC, id").
		Limit(limit).Offset(skip).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	return s.decodeRows(rows), nil
}

// ScanPage returns one deterministic page of the scope's rows.
func (s *PgVectorStore) ScanPage(ctx context.Context, scope types.Scope, limit, offset int) ([]*types.Memory, error) {
	var rows []memoryRow
	err := s.scoped(ctx, scope).
		Order("timestamp, id").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan memories: %w", err)
	}
	return s.decodeRows(rows), nil
}

func (s *PgVectorStore) decodeRows(rows []memoryRow) []*types.Memory {
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		m, err := memoryFromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable row", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

// Close releases the database pool.
func (s *PgVectorStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// tagContainment builds the JSONB containment operand for one tag. Tags
// may hold quotes or backslashes, so the value is marshaled, never
// string-formatted.
func tagContainment(tag string) string {
	val, err := json.Marshal([]string{tag})
	if err != nil {
		// A plain string slice cannot fail to marshal.
		return "[]"
	}
	return string(val)
}
