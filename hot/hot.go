// Package hot implements the fast-changing per-scope working state:
// session turn logs, expression state, and pulse signals, backed by Redis.
//
// Hot memory fails open. When the backend is unreachable, reads answer
// empty and writes become no-ops; continuity degrades but conversation
// never stops.
package hot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/types"
)

// Turn is a single conversation turn in the session log.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PulseSlot names a single-slot signal. Writing overwrites, reading consumes.
type PulseSlot string

const (
	PulseTaskContext PulseSlot = "task_context"
	PulseEndOfCycle  PulseSlot = "end_of_cycle"
)

// SessionInfo describes the state of the session after InitSession.
type SessionInfo struct {
	// Boundary is true when the idle gap ended the previous session and
	// a fresh one was started.
	Boundary bool
	// LastActive is the previous activity time; zero for a first session.
	LastActive time.Time
}

// BoundaryHandler is invoked with the closing session's turn log before
// the log is cleared, so the compass can be resynthesized from it.
type BoundaryHandler func(ctx context.Context, scope types.Scope, turns []Turn) error

// HotMemory is the Redis-backed working state layer.
type HotMemory struct {
	client     *redis.Client
	keyPrefix  string
	session    config.SessionConfig
	onBoundary BoundaryHandler
	metrics    *metrics.Collector
	logger     *zap.Logger

	now func() time.Time
}

// Options tunes HotMemory beyond its config.
type Options struct {
	// OnBoundary receives the closing turn log at session boundaries.
	OnBoundary BoundaryHandler
	// Metrics is optional.
	Metrics *metrics.Collector
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New connects to Redis and returns the hot-memory layer. Connection
// failure here is fatal; failures after startup are absorbed.
func New(redisCfg config.RedisConfig, sessionCfg config.SessionConfig, opts Options, logger *zap.Logger) (*HotMemory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         redisCfg.Addr,
		Password:     redisCfg.Password,
		DB:           redisCfg.DB,
		PoolSize:     redisCfg.PoolSize,
		MinIdleConns: redisCfg.MinIdleConns,
		DialTimeout:  redisCfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to connect to redis").WithCause(err).WithRetryable(true)
	}

	keyPrefix := redisCfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "evermind:"
	}
	return newWithClient(client, keyPrefix, sessionCfg, opts, logger), nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, keyPrefix string, sessionCfg config.SessionConfig, opts Options, logger *zap.Logger) *HotMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "evermind:"
	}
	return newWithClient(client, keyPrefix, sessionCfg, opts, logger)
}

func newWithClient(client *redis.Client, keyPrefix string, sessionCfg config.SessionConfig, opts Options, logger *zap.Logger) *HotMemory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &HotMemory{
		client:     client,
		keyPrefix:  keyPrefix + "hot:",
		session:    sessionCfg,
		onBoundary: opts.OnBoundary,
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "hot_memory")),
		now:        now,
	}
}

// Close releases the Redis connection pool.
func (h *HotMemory) Close() error {
	return h.client.Close()
}

func (h *HotMemory) turnsKey(scope types.Scope) string {
	return fmt.Sprintf("%sturns:%s:%s", h.keyPrefix, scope.EntityID, scope.Key())
}

func (h *HotMemory) metaKey(scope types.Scope) string {
	return fmt.Sprintf("%smeta:%s:%s", h.keyPrefix, scope.EntityID, scope.Key())
}

func (h *HotMemory) expressionKey(scope types.Scope) string {
	return fmt.Sprintf("%sexpr:%s:%s", h.keyPrefix, scope.EntityID, scope.Key())
}

func (h *HotMemory) pulseKey(scope types.Scope, slot PulseSlot) string {
	return fmt.Sprintf("%spulse:%s:%s:%s", h.keyPrefix, scope.EntityID, scope.Key(), slot)
}

// failOpen absorbs a backend error on the given operation. It returns
// nil so callers proceed with degraded state.
func (h *HotMemory) failOpen(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	h.logger.Warn("hot backend unavailable, continuing without it",
		zap.String("op", op), zap.Error(err))
	if h.metrics != nil {
		h.metrics.RecordHotFailure()
	}
	return nil
}

func (h *HotMemory) recordOp(op string) {
	if h.metrics != nil {
		h.metrics.RecordHotOp(op)
	}
}

// InitSession checks the idle gap for the scope. If the previous session
// went idle past the boundary, the boundary handler runs over the old
// turn log, then the log and the expression state are cleared.
func (h *HotMemory) InitSession(ctx context.Context, scope types.Scope) (SessionInfo, error) {
	h.recordOp("init_session")
	now := h.now()

	raw, err := h.client.HGet(ctx, h.metaKey(scope), "last_active").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return SessionInfo{}, h.failOpen("init_session", err)
	}

	info := SessionInfo{}
	if raw != "" {
		ms, parseErr := parseUnixMilli(raw)
		if parseErr == nil {
			info.LastActive = ms
		}
	}

	if !info.LastActive.IsZero() && now.Sub(info.LastActive) >= h.session.BoundaryIdle {
		info.Boundary = true
		if h.onBoundary != nil {
			turns, terr := h.Turns(ctx, scope, 0)
			if terr == nil && len(turns) > 0 {
				if berr := h.onBoundary(ctx, scope, turns); berr != nil {
					h.logger.Warn("boundary handler failed", zap.Error(berr))
				}
			}
		}
		if derr := h.client.Del(ctx, h.turnsKey(scope), h.expressionKey(scope)).Err(); derr != nil {
			return info, h.failOpen("init_session", derr)
		}
	}

	if err := h.touch(ctx, scope, now); err != nil {
		return info, h.failOpen("init_session", err)
	}
	return info, nil
}

// RecordTurn appends a turn to the session log, trimming it to the cap.
func (h *HotMemory) RecordTurn(ctx context.Context, scope types.Scope, role, content string) error {
	h.recordOp("record_turn")
	now := h.now()
	data, err := json.Marshal(Turn{Role: role, Content: content, At: now})
	if err != nil {
		return err
	}

	logCap := h.session.TurnLogCap
	if logCap <= 0 {
		logCap = 50
	}
	key := h.turnsKey(scope)
	pipe := h.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-logCap), -1)
	pipe.Expire(ctx, key, h.session.StateTTL)
	pipe.HSet(ctx, h.metaKey(scope), "last_active", now.UnixMilli())
	pipe.Expire(ctx, h.metaKey(scope), h.session.StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return h.failOpen("record_turn", err)
	}
	return nil
}

// Turns returns the session turn log, oldest first. limit <= 0 means all.
func (h *HotMemory) Turns(ctx context.Context, scope types.Scope, limit int) ([]Turn, error) {
	h.recordOp("turns")
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := h.client.LRange(ctx, h.turnsKey(scope), start, -1).Result()
	if err != nil {
		return nil, h.failOpen("turns", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			h.logger.Warn("skipping unreadable turn", zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// SetExpression writes one expression-state field, last write wins.
func (h *HotMemory) SetExpression(ctx context.Context, scope types.Scope, field, value string) error {
	h.recordOp("set_expression")
	key := h.expressionKey(scope)
	pipe := h.client.Pipeline()
	pipe.HSet(ctx, key, field, value)
	pipe.Expire(ctx, key, h.session.StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return h.failOpen("set_expression", err)
	}
	return nil
}

// Expression returns the full expression-state map for the scope.
func (h *HotMemory) Expression(ctx context.Context, scope types.Scope) (map[string]string, error) {
	h.recordOp("expression")
	state, err := h.client.HGetAll(ctx, h.expressionKey(scope)).Result()
	if err != nil {
		return map[string]string{}, h.failOpen("expression", err)
	}
	return state, nil
}

// SetPulse writes a single-slot signal, overwriting any unconsumed value.
func (h *HotMemory) SetPulse(ctx context.Context, scope types.Scope, slot PulseSlot, value string) error {
	h.recordOp("set_pulse")
	if err := h.client.Set(ctx, h.pulseKey(scope, slot), value, h.session.StateTTL).Err(); err != nil {
		return h.failOpen("set_pulse", err)
	}
	return nil
}

// PeekPulse reads a pulse slot without clearing it. Consumption belongs
// to the external scheduler; readers on the request path use this.
func (h *HotMemory) PeekPulse(ctx context.Context, scope types.Scope, slot PulseSlot) (string, bool, error) {
	h.recordOp("peek_pulse")
	value, err := h.client.Get(ctx, h.pulseKey(scope, slot)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, h.failOpen("peek_pulse", err)
	}
	return value, true, nil
}

// ConsumePulse reads and clears a pulse slot. Returns ok=false when the
// slot is empty.
func (h *HotMemory) ConsumePulse(ctx context.Context, scope types.Scope, slot PulseSlot) (string, bool, error) {
	h.recordOp("consume_pulse")
	value, err := h.client.GetDel(ctx, h.pulseKey(scope, slot)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, h.failOpen("consume_pulse", err)
	}
	return value, true, nil
}

// LastActive reports the scope's most recent activity time, zero if none.
func (h *HotMemory) LastActive(ctx context.Context, scope types.Scope) (time.Time, error) {
	raw, err := h.client.HGet(ctx, h.metaKey(scope), "last_active").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, h.failOpen("last_active", err)
	}
	return parseUnixMilli(raw)
}

// ClearSession drops the turn log and pulse slots. Expression state is kept.
func (h *HotMemory) ClearSession(ctx context.Context, scope types.Scope) error {
	h.recordOp("clear_session")
	keys := []string{
		h.turnsKey(scope),
		h.pulseKey(scope, PulseTaskContext),
		h.pulseKey(scope, PulseEndOfCycle),
	}
	if err := h.client.Del(ctx, keys...).Err(); err != nil {
		return h.failOpen("clear_session", err)
	}
	return nil
}

func (h *HotMemory) touch(ctx context.Context, scope types.Scope, now time.Time) error {
	pipe := h.client.Pipeline()
	pipe.HSet(ctx, h.metaKey(scope), "last_active", now.UnixMilli())
	pipe.Expire(ctx, h.metaKey(scope), h.session.StateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func parseUnixMilli(raw string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
