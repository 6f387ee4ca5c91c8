package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

// QdrantStore implements MemoryStore over Qdrant's REST API.
//
// Qdrant point IDs are UUIDs; a stable UUID is derived from the memory ID.
// The full record travels in the point payload; scope filtering uses the
// scalar entity_id and scope_key payload fields.
type QdrantStore struct {
	cfg     config.StoreConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates a Qdrant-backed MemoryStore.
func NewQdrantStore(cfg config.StoreConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.QdrantBaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "store_qdrant")),
	}
}

var qdrantNamespace = uuid.MustParse("7f6c1a02-9b41-4c83-bd24-3e1f08a6d5b9")

func qdrantPointID(memoryID string) string {
	// Stable UUID derived from the memory ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(memoryID)).String()
}

func (s *QdrantStore) collection() string { return s.cfg.QdrantCollection }

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if strings.TrimSpace(s.collection()) == "" {
		return types.NewError(types.ErrNotConfigured, "qdrant collection is required")
	}
	if vectorSize <= 0 {
		vectorSize = s.cfg.VectorDimension
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		}
		err := s.doJSON(ctx, http.MethodPut,
			fmt.Sprintf("/collections/%s", url.PathEscape(s.collection())), body, nil)
		if err != nil && !strings.Contains(err.Error(), "status=409") {
			s.ensureErr = err
			return
		}
		s.ensureErr = nil
	})
	return s.ensureErr
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.QdrantAPIKey) != "" {
		req.Header.Set("api-key", s.cfg.QdrantAPIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrTransientIO, "qdrant request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s",
			method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// scopeFilter builds the scalar must-match filter for a scope, plus an
// optional type clause.
func scopeFilter(scope types.Scope, typeFilter *types.MemoryType) map[string]any {
	must := []map[string]any{
		{"key": "entity_id", "match": map[string]any{"value": scope.EntityID}},
		{"key": "scope_key", "match": map[string]any{"value": scope.Key()}},
	}
	if typeFilter != nil {
		must = append(must, map[string]any{
			"key": "type", "match": map[string]any{"value": string(*typeFilter)},
		})
	}
	return map[string]any{"must": must}
}

func payloadToMap(p *payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func payloadFromMap(m map[string]any) (*payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert writes a memory as one Qdrant point.
func (s *QdrantStore) Upsert(ctx context.Context, mem *types.Memory) (string, error) {
	if err := mem.Validate(); err != nil {
		return "", err
	}
	if err := s.ensureCollection(ctx, len(mem.Embedding)); err != nil {
		return "", err
	}

	p, err := encodePayload(mem)
	if err != nil {
		return "", err
	}
	payloadMap, err := payloadToMap(p)
	if err != nil {
		return "", err
	}

	vector := mem.Embedding
	if len(vector) == 0 {
		// Qdrant requires a vector per point; an all-zero vector keeps the
		// record retrievable by id/scroll until it is re-embedded.
		vector = make([]float32, s.cfg.VectorDimension)
	}

	req := map[string]any{
		"points": []map[string]any{{
			"id":      qdrantPointID(mem.ID),
			"vector":  vector,
			"payload": payloadMap,
		}},
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.collection()))
	if err := s.doJSON(ctx, http.MethodPut, path, req, nil); err != nil {
		return "", err
	}
	s.logger.Debug("qdrant upsert completed", zap.String("id", mem.ID))
	return mem.ID, nil
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

func (s *QdrantStore) decodePoint(pt qdrantPoint) (*types.Memory, error) {
	p, err := payloadFromMap(pt.Payload)
	if err != nil {
		return nil, err
	}
	return decodePayload(p, pt.Vector)
}

// GetByIDs fetches points by derived point id, keeping only scope matches.
func (s *QdrantStore) GetByIDs(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrantPointID(id))
	}
	req := map[string]any{
		"ids":          pointIDs,
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(s.collection()))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]*types.Memory, 0, len(resp.Result))
	for _, pt := range resp.Result {
		m, err := s.decodePoint(pt)
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		if m.EntityID == scope.EntityID && m.Scope.Key() == scope.Key() {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteByIDs removes points by derived point id.
func (s *QdrantStore) DeleteByIDs(ctx context.Context, scope types.Scope, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrantPointID(id))
	}
	req := map[string]any{"points": pointIDs}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.collection()))
	return s.doJSON(ctx, http.MethodPost, path, req, nil)
}

// DeleteByFilter removes a scope's points, optionally those carrying all tags.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, scope types.Scope, tags []string) error {
	filter := scopeFilter(scope, nil)
	if len(tags) > 0 {
		must := filter["must"].([]map[string]any)
		for _, tag := range tags {
			must = append(must, map[string]any{
				"key": "tags", "match": map[string]any{"value": tag},
			})
		}
		filter["must"] = must
	}
	req := map[string]any{"filter": filter}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.collection()))
	return s.doJSON(ctx, http.MethodPost, path, req, nil)
}

// SearchVector delegates nearest-neighbor search to Qdrant.
func (s *QdrantStore) SearchVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]SearchResult, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       query,
		"limit":        topK,
		"filter":       scopeFilter(scope, typeFilter),
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.collection()))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, pt := range resp.Result {
		m, err := s.decodePoint(pt)
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		out = append(out, SearchResult{Memory: m, Similarity: pt.Score})
	}
	return out, nil
}

// SearchFullText scrolls the scope with a text match on content.
func (s *QdrantStore) SearchFullText(ctx context.Context, scope types.Scope, query string, limit, skip int) ([]*types.Memory, error) {
	filter := scopeFilter(scope, nil)
	must := filter["must"].([]map[string]any)
	must = append(must, map[string]any{
		"key": "content", "match": map[string]any{"text": query},
	})
	filter["must"] = must
	return s.scroll(ctx, filter, limit, skip)
}

// ScanPage returns one page of the scope's points, ordered by point id.
func (s *QdrantStore) ScanPage(ctx context.Context, scope types.Scope, limit, offset int) ([]*types.Memory, error) {
	return s.scroll(ctx, scopeFilter(scope, nil), limit, offset)
}

func (s *QdrantStore) scroll(ctx context.Context, filter map[string]any, limit, skip int) ([]*types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Qdrant scroll has no offset; skip is applied client-side by
	// over-fetching one window. Page sizes stay small in practice
	// (bulk export pages).
	req := map[string]any{
		"filter":       filter,
		"limit":        limit + skip,
		"with_payload": true,
		"with_vector":  true,
		"order_by":     map[string]any{"key": "timestamp"},
	}
	var resp struct {
		Result struct {
			Points []qdrantPoint `json:"points"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(s.collection()))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	points := resp.Result.Points
	if skip >= len(points) {
		return nil, nil
	}
	points = points[skip:]

	out := make([]*types.Memory, 0, len(points))
	for _, pt := range points {
		m, err := s.decodePoint(pt)
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Close is a no-op; the HTTP client needs no teardown.
func (s *QdrantStore) Close() error { return nil }
