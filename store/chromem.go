package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

// ChromemStore implements MemoryStore over chromem-go, a pure-Go embedded
// vector database. It is the zero-infrastructure option for local use.
//
// One collection per scope gives namespace isolation, so scope filtering
// never needs a predicate at all; the type filter uses chromem's scalar
// metadata where-clause. chromem has no listing API, so the adapter keeps
// a per-collection id index for scans.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	ids         map[string]map[string]struct{} // collection name -> memory ids
}

// NewChromemStore creates a chromem-backed MemoryStore. An empty path
// keeps everything in memory; otherwise state persists under path.
func NewChromemStore(cfg config.StoreConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		db  *chromem.DB
		err error
	)
	if cfg.ChromemPath == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.ChromemPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}
	return &ChromemStore{
		db:          db,
		logger:      logger.With(zap.String("component", "store_chromem")),
		collections: make(map[string]*chromem.Collection),
		ids:         make(map[string]map[string]struct{}),
	}, nil
}

func collectionName(scope types.Scope) string {
	// chromem collection names must be filesystem-safe.
	key := strings.ReplaceAll(scope.Key(), ":", "-")
	return fmt.Sprintf("mem-%s-%s", scope.EntityID, key)
}

func (s *ChromemStore) collection(scope types.Scope) (*chromem.Collection, error) {
	name := collectionName(scope)

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.collections[name] = col
	if s.ids[name] == nil {
		s.ids[name] = make(map[string]struct{})
	}
	return col, nil
}

func (s *ChromemStore) trackID(scope types.Scope, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := collectionName(scope)
	if s.ids[name] == nil {
		s.ids[name] = make(map[string]struct{})
	}
	s.ids[name][id] = struct{}{}
}

func (s *ChromemStore) untrackID(scope types.Scope, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids[collectionName(scope)], id)
}

func (s *ChromemStore) sortedIDs(scope types.Scope) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.ids[collectionName(scope)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Upsert writes a memory as one chromem document.
func (s *ChromemStore) Upsert(ctx context.Context, mem *types.Memory) (string, error) {
	if err := mem.Validate(); err != nil {
		return "", err
	}
	col, err := s.collection(mem.Scope)
	if err != nil {
		return "", err
	}

	p, err := encodePayload(mem)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	doc := chromem.Document{
		ID:        mem.ID,
		Content:   mem.Content,
		Embedding: mem.Embedding,
		Metadata: map[string]string{
			"type":    string(mem.Type),
			"payload": string(raw),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}
	s.trackID(mem.Scope, mem.ID)
	return mem.ID, nil
}

func decodeChromemMetadata(meta map[string]string, embedding []float32) (*types.Memory, error) {
	raw, ok := meta["payload"]
	if !ok {
		return nil, fmt.Errorf("document has no payload metadata")
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return decodePayload(&p, embedding)
}

// GetByIDs fetches documents by id; missing ids are skipped.
func (s *ChromemStore) GetByIDs(ctx context.Context, scope types.Scope, ids []string) ([]*types.Memory, error) {
	col, err := s.collection(scope)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Memory, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue // not found
		}
		m, err := decodeChromemMetadata(doc.Metadata, doc.Embedding)
		if err != nil {
			s.logger.Warn("skipping undecodable document", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteByIDs removes documents by id.
func (s *ChromemStore) DeleteByIDs(ctx context.Context, scope types.Scope, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(scope)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	for _, id := range ids {
		s.untrackID(scope, id)
	}
	return nil
}

// DeleteByFilter removes the scope's documents, optionally those carrying
// every given tag.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, scope types.Scope, tags []string) error {
	if len(tags) == 0 {
		name := collectionName(scope)
		if err := s.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		s.mu.Lock()
		delete(s.collections, name)
		delete(s.ids, name)
		s.mu.Unlock()
		return nil
	}

	// Tag filters need record inspection; walk the id index.
	all, err := s.GetByIDs(ctx, scope, s.sortedIDs(scope))
	if err != nil {
		return err
	}
	var doomed []string
	for _, m := range all {
		if hasAllTags(m, tags) {
			doomed = append(doomed, m.ID)
		}
	}
	return s.DeleteByIDs(ctx, scope, doomed)
}

// SearchVector delegates nearest-neighbor search to chromem.
func (s *ChromemStore) SearchVector(ctx context.Context, scope types.Scope, query []float32, typeFilter *types.MemoryType, topK int) ([]SearchResult, error) {
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}
	col, err := s.collection(scope)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if typeFilter != nil {
		where = map[string]string{"type": string(*typeFilter)}
	}

	results, err := col.QueryEmbedding(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		m, err := decodeChromemMetadata(r.Metadata, r.Embedding)
		if err != nil {
			s.logger.Warn("skipping undecodable result", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, SearchResult{Memory: m, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// SearchFullText walks the id index and substring-matches content.
func (s *ChromemStore) SearchFullText(ctx context.Context, scope types.Scope, query string, limit, skip int) ([]*types.Memory, error) {
	all, err := s.GetByIDs(ctx, scope, s.sortedIDs(scope))
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	matched := make([]*types.Memory, 0)
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	return pageOf(matched, limit, skip), nil
}

// ScanPage pages over the id index in lexical order.
func (s *ChromemStore) ScanPage(ctx context.Context, scope types.Scope, limit, offset int) ([]*types.Memory, error) {
	ids := s.sortedIDs(scope)
	if offset >= len(ids) || limit <= 0 {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return s.GetByIDs(ctx, scope, ids[offset:end])
}

// Close is a no-op; persistent chromem writes through on every mutation.
func (s *ChromemStore) Close() error { return nil }
