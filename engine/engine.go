// Package engine wires the memory subsystems into one continuity engine:
// hot session state, durable cold storage with write-path consolidation,
// context assembly, background synthesis, and scope transfer.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/evermind-ai/evermind/cold"
	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/dedup"
	"github.com/evermind-ai/evermind/embedding"
	"github.com/evermind-ai/evermind/hot"
	"github.com/evermind-ai/evermind/internal/logging"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/judgment"
	"github.com/evermind-ai/evermind/prompt"
	"github.com/evermind-ai/evermind/store"
	"github.com/evermind-ai/evermind/synthesis"
	"github.com/evermind-ai/evermind/transfer"
	"github.com/evermind-ai/evermind/types"
)

// backgroundSlots bounds concurrent fire-and-forget memory writes.
const backgroundSlots = 8

// Engine is the continuity memory engine.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	hot      *hot.HotMemory
	cold     *cold.ColdMemory
	dedup    *dedup.Deduplicator
	builder  *prompt.Builder
	synth    *synthesis.Synthesizer
	transfer *transfer.Transfer
	ledger   *synthesis.Ledger
	judge    judgment.Provider
	embedder embedding.Provider

	now func() time.Time

	// One synthesis run in flight per scope.
	runMu sync.Mutex
	inRun map[string]bool

	bgSem  *semaphore.Weighted
	bgWG   sync.WaitGroup
	bgErrs chan error

	closeOnce sync.Once
}

// Deps lets callers inject backends; any nil field is built from config.
// Tests inject in-memory backends here.
type Deps struct {
	Logger   *zap.Logger
	Registry prometheus.Registerer
	Store    store.MemoryStore
	Embedder embedding.Provider
	Judge    judgment.Provider
	Redis    *redis.Client
	Ledger   *synthesis.Ledger
	Now      func() time.Time
}

// New builds the engine from config, constructing every backend that was
// not injected.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
	}
	collector := metrics.NewCollector("evermind", deps.Registry, logger)

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	embedder := deps.Embedder
	if embedder == nil {
		embedder = embedding.NewOpenAIProvider(cfg.Embedding, logger)
	}
	judge := deps.Judge
	if judge == nil {
		judge = judgment.NewOpenAIProvider(cfg.Judgment, logger)
	}

	backend := deps.Store
	if backend == nil {
		var err error
		backend, err = store.New(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
	}
	coldMem := cold.New(backend, embedder, cold.Options{Metrics: collector, Now: now}, logger)
	dd := dedup.New(coldMem, embedder, judge, cfg.Dedup, collector, logger)

	ledger := deps.Ledger
	if ledger == nil {
		var err error
		ledger, err = synthesis.NewLedger(cfg.Ledger, logger)
		if err != nil {
			return nil, err
		}
	}
	synth := synthesis.New(coldMem, dd, judge, embedder, ledger,
		cfg.Synthesis, cfg.Dedup, synthesis.Options{Metrics: collector, Now: now}, logger)

	eng := &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "engine")),
		metrics:  collector,
		cold:     coldMem,
		dedup:    dd,
		synth:    synth,
		ledger:   ledger,
		judge:    judge,
		embedder: embedder,
		now:      now,
		inRun:    make(map[string]bool),
		bgSem:    semaphore.NewWeighted(backgroundSlots),
		bgErrs:   make(chan error, 64),
	}
	eng.transfer = transfer.New(coldMem, transfer.Options{Now: now}, logger)

	hotOpts := hot.Options{
		Metrics:    collector,
		Now:        now,
		OnBoundary: eng.resynthesizeCompass,
	}
	var hotMem *hot.HotMemory
	if deps.Redis != nil {
		hotMem = hot.NewWithClient(deps.Redis, cfg.Redis.KeyPrefix, cfg.Session, hotOpts, logger)
	} else {
		var err error
		hotMem, err = hot.New(cfg.Redis, cfg.Session, hotOpts, logger)
		if err != nil {
			return nil, err
		}
	}
	eng.hot = hotMem

	eng.builder = prompt.New(coldMem, embedder, cfg.Context, cfg.Gravity,
		prompt.Options{
			Hot:        hotMem,
			Metrics:    collector,
			Background: eng.runBackground,
			Now:        now,
		}, logger)
	return eng, nil
}

// Close stops background work and releases every backend.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.bgWG.Wait()
		close(e.bgErrs)
		if cerr := e.hot.Close(); cerr != nil {
			err = cerr
		}
		if cerr := e.ledger.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := e.cold.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// StartSession initializes session state for the scope. At a session
// boundary the previous session's turns are folded into the compass
// before the log clears; a stale compass is also refreshed here.
func (e *Engine) StartSession(ctx context.Context, scope types.Scope) (hot.SessionInfo, error) {
	info, err := e.hot.InitSession(ctx, scope)
	if err != nil {
		return info, err
	}
	if !info.Boundary {
		e.refreshStaleCompass(ctx, scope)
	}
	return info, nil
}

// RecordTurn appends a conversation turn to the session log.
func (e *Engine) RecordTurn(ctx context.Context, scope types.Scope, role, content string) error {
	return e.hot.RecordTurn(ctx, scope, role, content)
}

// RememberRequest describes one explicit or automatic memory write.
type RememberRequest struct {
	Type           types.MemoryType
	Content        string
	Importance     float64
	Confidence     float64
	Tags           []string
	EmotionalState *types.EmotionalState
	SynthesisType  types.SynthesisType
}

func (r RememberRequest) toMemory(scope types.Scope) *types.Memory {
	synthType := r.SynthesisType
	if synthType == "" {
		synthType = types.SynthesisExplicit
	}
	importance := r.Importance
	if importance == 0 {
		importance = 5
	}
	confidence := r.Confidence
	if confidence == 0 {
		confidence = 0.9
	}
	return &types.Memory{
		Scope:          scope,
		Type:           r.Type,
		Content:        r.Content,
		Importance:     importance,
		Confidence:     confidence,
		Tags:           r.Tags,
		EmotionalState: r.EmotionalState,
		SynthesisType:  synthType,
	}
}

// Remember writes one memory through the consolidation path.
func (e *Engine) Remember(ctx context.Context, scope types.Scope, req RememberRequest) (*dedup.Result, error) {
	return e.dedup.Process(ctx, req.toMemory(scope))
}

// RememberAsync schedules a memory write in the background. Failures
// surface on Errors; the caller's turn is never blocked on storage.
func (e *Engine) RememberAsync(scope types.Scope, req RememberRequest) {
	e.runBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.dedup.Process(ctx, req.toMemory(scope)); err != nil {
			e.reportBackground(err)
		}
	})
}

// runBackground tracks fn on the engine waitgroup and bounds it on the
// shared background slots, so Close waits for in-flight work.
func (e *Engine) runBackground(fn func()) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.bgSem.Acquire(ctx, 1); err != nil {
			e.reportBackground(fmt.Errorf("background work queue full: %w", err))
			return
		}
		defer e.bgSem.Release(1)
		fn()
	}()
}

// Errors streams failures from background writes. The channel is buffered;
// when nobody drains it, older errors are dropped after being logged.
func (e *Engine) Errors() <-chan error { return e.bgErrs }

func (e *Engine) reportBackground(err error) {
	e.logger.Warn("background memory write failed", zap.Error(err))
	select {
	case e.bgErrs <- err:
	default:
	}
}

// BuildContext assembles the memory context for one turn.
func (e *Engine) BuildContext(ctx context.Context, scope types.Scope, query string) *prompt.AssembledContext {
	return e.builder.Build(ctx, scope, query)
}

// Search runs a direct retrieval query against cold memory.
func (e *Engine) Search(ctx context.Context, scope types.Scope, query string, typeFilter *types.MemoryType, topK int) ([]store.SearchResult, error) {
	return e.cold.Search(ctx, scope, query, typeFilter, topK)
}

// Forget removes memories carrying every given tag.
func (e *Engine) Forget(ctx context.Context, scope types.Scope, tags []string) error {
	return e.cold.DeleteByTags(ctx, scope, tags)
}

// RunSynthesis starts a synthesis run for the scope and returns its
// progress stream. At most one run per scope is in flight; a second
// request while one runs is refused.
func (e *Engine) RunSynthesis(ctx context.Context, scope types.Scope) (<-chan synthesis.Progress, error) {
	key := scope.EntityID + "/" + scope.Key()
	e.runMu.Lock()
	if e.inRun[key] {
		e.runMu.Unlock()
		return nil, types.NewError(types.ErrValidation, "synthesis already running for scope")
	}
	e.inRun[key] = true
	e.runMu.Unlock()

	events := make(chan synthesis.Progress, 16)
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		defer close(events)
		defer func() {
			e.runMu.Lock()
			delete(e.inRun, key)
			e.runMu.Unlock()
		}()
		emit := func(p synthesis.Progress) {
			select {
			case events <- p:
			default:
				// A consumer that stopped draining loses events; the
				// channel close below is the hard completion signal.
			}
		}
		if _, err := e.synth.Run(ctx, scope, emit); err != nil {
			e.logger.Warn("synthesis run failed", zap.Error(err))
		}
	}()
	return events, nil
}

// SetPulse writes a single-slot hot signal for the scope.
func (e *Engine) SetPulse(ctx context.Context, scope types.Scope, slot hot.PulseSlot, value string) error {
	return e.hot.SetPulse(ctx, scope, slot, value)
}

// ConsumePulse reads and clears a hot signal slot.
func (e *Engine) ConsumePulse(ctx context.Context, scope types.Scope, slot hot.PulseSlot) (string, bool, error) {
	return e.hot.ConsumePulse(ctx, scope, slot)
}

// SetExpression writes one expression-state field.
func (e *Engine) SetExpression(ctx context.Context, scope types.Scope, field, value string) error {
	return e.hot.SetExpression(ctx, scope, field, value)
}

// Export archives the scope's durable memories.
func (e *Engine) Export(ctx context.Context, scope types.Scope) (*transfer.Archive, error) {
	return e.transfer.Export(ctx, scope)
}

// Import writes an archive into the scope.
func (e *Engine) Import(ctx context.Context, scope types.Scope, archive *transfer.Archive) (*transfer.ImportStats, error) {
	return e.transfer.Import(ctx, scope, archive)
}

// Stats summarizes the scope's durable memories.
func (e *Engine) Stats(ctx context.Context, scope types.Scope) (*types.MemoryStats, error) {
	return e.cold.Stats(ctx, scope)
}
