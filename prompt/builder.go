// Package prompt assembles the memory context injected into each
// conversation turn. Assembly degrades, never fails: a section whose
// backend is down is simply omitted and the rest still renders.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/gravity"
	"github.com/evermind-ai/evermind/hot"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/types"
)

// Section headers, rendered in this order.
const (
	headerCore     = "## Core Directives"
	headerCompass  = "## Internal Compass"
	headerSession  = "## Session State"
	headerRelevant = "## Relevant Memories"
)

// AssembledContext is the result of one context build.
type AssembledContext struct {
	// Text is the full rendered context.
	Text string
	// IncludedIDs are the durable memories that made it into the text.
	IncludedIDs []string
	// Degraded is true when at least one section was dropped because its
	// backend failed.
	Degraded bool
}

// Builder assembles per-turn context from cold and hot memory.
type Builder struct {
	cold       *cold.ColdMemory
	hot        *hot.HotMemory
	embedder   embedding.Provider
	cfg        config.ContextConfig
	gravity    gravity.Params
	encoder    *tiktoken.Tiktoken
	metrics    *metrics.Collector
	background func(fn func())
	logger     *zap.Logger
	now        func() time.Time
}

// Options tunes the builder beyond its dependencies.
type Options struct {
	// Hot is optional; without it the session section is skipped.
	Hot *hot.HotMemory
	// Metrics is optional.
	Metrics *metrics.Collector
	// Background runs recall bookkeeping off the request path. The owner
	// supplies its bounded worker pool here so shutdown can wait for
	// in-flight touches; nil falls back to a bare goroutine.
	Background func(fn func())
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New builds a context builder. Tokenizer setup failure falls back to a
// character-count estimate rather than failing construction.
func New(cm *cold.ColdMemory, embedder embedding.Provider, cfg config.ContextConfig, gravityCfg config.GravityConfig, opts Options, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "context_builder"))

	encoder, err := tiktoken.EncodingForModel(cfg.TokenModel)
	if err != nil {
		logger.Warn("tokenizer unavailable, using character estimate",
			zap.String("model", cfg.TokenModel), zap.Error(err))
		encoder = nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	background := opts.Background
	if background == nil {
		background = func(fn func()) { go fn() }
	}
	return &Builder{
		cold:       cm,
		hot:        opts.Hot,
		embedder:   embedder,
		cfg:        cfg,
		gravity:    gravity.Params{HalfLifeDays: gravityCfg.HalfLifeDays, Floor: gravityCfg.Floor},
		encoder:    encoder,
		metrics:    opts.Metrics,
		background: background,
		logger:     logger,
		now:        now,
	}
}

// countTokens measures text against the section budgets.
func (b *Builder) countTokens(text string) int {
	if b.encoder == nil {
		return len(text) / 4
	}
	return len(b.encoder.Encode(text, nil, nil))
}

// Build assembles the context for one turn. It never returns an error;
// sections whose backends fail are dropped and reported via Degraded.
func (b *Builder) Build(ctx context.Context, scope types.Scope, query string) *AssembledContext {
	start := b.now()
	out := &AssembledContext{}
	var sections []string

	if core := b.coreSection(ctx, scope, out); core != "" {
		sections = append(sections, core)
	}
	if compass := b.compassSection(ctx, scope, out); compass != "" {
		sections = append(sections, compass)
	}
	if session := b.sessionSection(ctx, scope, out); session != "" {
		sections = append(sections, session)
	}
	if relevant := b.relevantSection(ctx, scope, query, out); relevant != "" {
		sections = append(sections, relevant)
	}

	out.Text = strings.Join(sections, "\n\n")
	if b.metrics != nil {
		b.metrics.RecordContextBuild(b.now().Sub(start))
	}

	// Recall bookkeeping must never slow the read path down.
	if len(out.IncludedIDs) > 0 {
		ids := append([]string(nil), out.IncludedIDs...)
		b.background(func() {
			touchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.cold.Touch(touchCtx, scope, ids)
		})
	}
	return out
}

// coreSection loads CORE and CORE_EXTENSION unconditionally; they are
// identity, not search results.
func (b *Builder) coreSection(ctx context.Context, scope types.Scope, out *AssembledContext) string {
	cores, err := b.cold.ByType(ctx, scope, types.MemoryCore)
	if err != nil {
		b.logger.Warn("core directives unavailable", zap.Error(err))
		out.Degraded = true
		return ""
	}
	extensions, err := b.cold.ByType(ctx, scope, types.MemoryCoreExtension)
	if err != nil {
		b.logger.Warn("core extensions unavailable", zap.Error(err))
		out.Degraded = true
		extensions = nil
	}

	// Directives first, promoted traits after, oldest first within each.
	sort.Slice(cores, func(i, j int) bool { return cores[i].Timestamp.Before(cores[j].Timestamp) })
	sort.Slice(extensions, func(i, j int) bool { return extensions[i].Timestamp.Before(extensions[j].Timestamp) })

	var lines []string
	used := 0
	appendWithin := func(mems []*types.Memory) {
		for _, mem := range mems {
			line := "- " + mem.Content
			cost := b.countTokens(line)
			if b.cfg.CoreTokens > 0 && used+cost > b.cfg.CoreTokens {
				continue
			}
			used += cost
			lines = append(lines, line)
			out.IncludedIDs = append(out.IncludedIDs, mem.ID)
		}
	}
	appendWithin(cores)
	appendWithin(extensions)

	if len(lines) == 0 {
		return ""
	}
	return headerCore + "\n" + strings.Join(lines, "\n")
}

func (b *Builder) compassSection(ctx context.Context, scope types.Scope, out *AssembledContext) string {
	episodes, err := b.cold.ByType(ctx, scope, types.MemoryEpisode)
	if err != nil {
		b.logger.Warn("compass unavailable", zap.Error(err))
		out.Degraded = true
		return ""
	}
	var compass *types.Memory
	for _, mem := range episodes {
		if !mem.HasTag(types.CompassTag) {
			continue
		}
		if compass == nil || mem.Timestamp.After(compass.Timestamp) {
			compass = mem
		}
	}
	if compass == nil {
		return ""
	}
	body := compass.Content
	if b.cfg.CompassTokens > 0 && b.countTokens(body) > b.cfg.CompassTokens {
		body = b.truncate(body, b.cfg.CompassTokens)
	}
	out.IncludedIDs = append(out.IncludedIDs, compass.ID)
	return headerCompass + "\n" + body
}

func (b *Builder) sessionSection(ctx context.Context, scope types.Scope, out *AssembledContext) string {
	if b.hot == nil {
		return ""
	}
	var lines []string

	state, err := b.hot.Expression(ctx, scope)
	if err == nil && len(state) > 0 {
		keys := make([]string, 0, len(state))
		for k := range state {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, state[k]))
		}
	}

	// Peek only: the pulse slot is consumed by the external scheduler.
	if value, ok, _ := b.hot.PeekPulse(ctx, scope, hot.PulseTaskContext); ok {
		lines = append(lines, "- current task: "+value)
	}

	turns, err := b.hot.Turns(ctx, scope, 10)
	if err == nil {
		for _, turn := range turns {
			lines = append(lines, fmt.Sprintf("- %s: %s", turn.Role, turn.Content))
		}
	}

	if len(lines) == 0 {
		return ""
	}
	body := strings.Join(lines, "\n")
	// Drop oldest lines until the section fits.
	for b.cfg.SessionTokens > 0 && b.countTokens(body) > b.cfg.SessionTokens && len(lines) > 1 {
		lines = lines[1:]
		body = strings.Join(lines, "\n")
	}
	return headerSession + "\n" + body
}

// scored pairs a memory with its combined relevance rank.
type scored struct {
	mem   *types.Memory
	score float64
}

func (b *Builder) relevantSection(ctx context.Context, scope types.Scope, query string, out *AssembledContext) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	now := b.now()

	queryVec, err := b.embedder.Embed(ctx, query)
	candidates := make(map[string]scored)
	if err != nil {
		b.logger.Warn("query embedding failed, degrading to text search", zap.Error(err))
		out.Degraded = true
		found, terr := b.cold.Search(ctx, scope, query, nil, b.cfg.SearchTopK)
		if terr != nil {
			return ""
		}
		for _, r := range found {
			if !includeInRelevant(r.Memory) {
				continue
			}
			candidates[r.Memory.ID] = scored{
				mem:   r.Memory,
				score: gravity.Score(r.Memory.Importance, r.Memory.Timestamp, now, b.gravity),
			}
		}
	} else {
		results, serr := b.cold.SearchByVector(ctx, scope, queryVec, nil, b.cfg.SearchTopK)
		if serr != nil {
			b.logger.Warn("relevance search failed", zap.Error(serr))
			out.Degraded = true
			return ""
		}
		ranked := make([]scored, 0, len(results))
		for _, r := range results {
			if !includeInRelevant(r.Memory) {
				continue
			}
			score := r.Similarity * gravity.Score(r.Memory.Importance, r.Memory.Timestamp, now, b.gravity)
			entry := scored{mem: r.Memory, score: score}
			candidates[r.Memory.ID] = entry
			ranked = append(ranked, entry)
		}

		if b.cfg.GraphExpansion {
			b.expand(ctx, scope, queryVec, ranked, now, candidates)
		}
	}

	if len(candidates) == 0 {
		return ""
	}

	ordered := make([]scored, 0, len(candidates))
	for _, entry := range candidates {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].mem.ID < ordered[j].mem.ID
	})

	var lines []string
	used := 0
	for _, entry := range ordered {
		line := fmt.Sprintf("- [%s] %s", entry.mem.Type, entry.mem.Content)
		cost := b.countTokens(line)
		if b.cfg.RelevantTokens > 0 && used+cost > b.cfg.RelevantTokens {
			break
		}
		used += cost
		lines = append(lines, line)
		out.IncludedIDs = append(out.IncludedIDs, entry.mem.ID)
	}
	if len(lines) == 0 {
		return ""
	}
	return headerRelevant + "\n" + strings.Join(lines, "\n")
}

// expand follows one hop of graph edges from the top-ranked results and
// scores the neighbors against the same query.
func (b *Builder) expand(ctx context.Context, scope types.Scope, queryVec []float32, ranked []scored, now time.Time, candidates map[string]scored) {
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	top := b.cfg.ExpandFromTop
	if top <= 0 || top > len(ranked) {
		top = len(ranked)
	}

	var followIDs []string
	for _, entry := range ranked[:top] {
		for _, relID := range entry.mem.RelatedMemoryIDs {
			if _, seen := candidates[relID]; !seen {
				followIDs = append(followIDs, relID)
			}
		}
	}
	if len(followIDs) == 0 {
		return
	}

	related, err := b.cold.Get(ctx, scope, followIDs)
	if err != nil {
		b.logger.Warn("graph expansion failed", zap.Error(err))
		return
	}
	for _, mem := range related {
		if _, seen := candidates[mem.ID]; seen || !includeInRelevant(mem) {
			continue
		}
		similarity := embedding.Cosine(queryVec, mem.Embedding)
		score := similarity * gravity.Score(mem.Importance, mem.Timestamp, now, b.gravity)
		candidates[mem.ID] = scored{mem: mem, score: score}
	}
}

// includeInRelevant excludes memories that already have a dedicated
// section: core directives, promoted traits, and the compass.
func includeInRelevant(mem *types.Memory) bool {
	if mem.Type == types.MemoryCore || mem.Type == types.MemoryCoreExtension {
		return false
	}
	return !mem.HasTag(types.CompassTag)
}

// truncate cuts text to roughly the given token budget at a line boundary.
func (b *Builder) truncate(text string, budget int) string {
	lines := strings.Split(text, "\n")
	var kept []string
	used := 0
	for _, line := range lines {
		cost := b.countTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
