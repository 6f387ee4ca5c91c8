// Package config provides unified configuration loading for Evermind.
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"time"
)

// Config is the complete engine configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Ledger    LedgerConfig    `yaml:"ledger" env:"LEDGER"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	Judgment  JudgmentConfig  `yaml:"judgment" env:"JUDGMENT"`
	Session   SessionConfig   `yaml:"session" env:"SESSION"`
	Dedup     DedupConfig     `yaml:"dedup" env:"DEDUP"`
	Gravity   GravityConfig   `yaml:"gravity" env:"GRAVITY"`
	Context   ContextConfig   `yaml:"context" env:"CONTEXT"`
	Synthesis SynthesisConfig `yaml:"synthesis" env:"SYNTHESIS"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level    string   `yaml:"level" env:"LEVEL"`       // debug, info, warn, error
	Encoding string   `yaml:"encoding" env:"ENCODING"` // json or console
	Outputs  []string `yaml:"outputs" env:"OUTPUTS"`
}

// RedisConfig configures the hot-memory backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreBackend selects the durable memory store implementation.
type StoreBackend string

const (
	StoreQdrant   StoreBackend = "qdrant"
	StorePgVector StoreBackend = "pgvector"
	StoreChromem  StoreBackend = "chromem"
	StoreInMemory StoreBackend = "inmemory"
)

// StoreConfig configures the durable memory store.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend" env:"BACKEND"`

	// Qdrant REST settings.
	QdrantBaseURL    string `yaml:"qdrant_base_url" env:"QDRANT_BASE_URL"`
	QdrantAPIKey     string `yaml:"qdrant_api_key" env:"QDRANT_API_KEY"`
	QdrantCollection string `yaml:"qdrant_collection" env:"QDRANT_COLLECTION"`

	// Postgres/pgvector settings.
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`

	// Chromem embedded-store settings.
	ChromemPath string `yaml:"chromem_path" env:"CHROMEM_PATH"`

	VectorDimension int           `yaml:"vector_dimension" env:"VECTOR_DIMENSION"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LedgerConfig configures the promotion-candidate ledger database.
type LedgerConfig struct {
	// Path is the sqlite file path; ":memory:" for tests.
	Path string `yaml:"path" env:"PATH"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Dimensions int           `yaml:"dimensions" env:"DIMENSIONS"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// RequestsPerSecond caps outbound embedding calls.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// JudgmentConfig configures the LLM judgment provider.
type JudgmentConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Model       string        `yaml:"model" env:"MODEL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
}

// SessionConfig controls hot-memory session lifecycle.
type SessionConfig struct {
	// BoundaryIdle is the idle gap after which a session is considered
	// over and the compass is resynthesized before state is cleared.
	BoundaryIdle time.Duration `yaml:"boundary_idle" env:"BOUNDARY_IDLE"`
	// TurnLogCap bounds the ordered turn log per scope.
	TurnLogCap int `yaml:"turn_log_cap" env:"TURN_LOG_CAP"`
	// CompassMaxAge forces a compass refresh after this much elapsed time
	// even without a session boundary.
	CompassMaxAge time.Duration `yaml:"compass_max_age" env:"COMPASS_MAX_AGE"`
	// StateTTL expires abandoned session state.
	StateTTL time.Duration `yaml:"state_ttl" env:"STATE_TTL"`
}

// DedupConfig holds the deduplication thresholds.
type DedupConfig struct {
	// MergeThreshold is the cosine similarity at or above which an
	// incoming memory is consolidated into its nearest neighbor.
	MergeThreshold float64 `yaml:"merge_threshold" env:"MERGE_THRESHOLD"`
	// LinkThreshold is the similarity at or above which a new memory is
	// stored independently but cross-linked to its neighbor.
	LinkThreshold float64 `yaml:"link_threshold" env:"LINK_THRESHOLD"`
	// PrefilterThreshold is the low bar applied to the neighbor query.
	PrefilterThreshold float64 `yaml:"prefilter_threshold" env:"PREFILTER_THRESHOLD"`
	// NeighborTopK bounds the neighbor query.
	NeighborTopK int `yaml:"neighbor_top_k" env:"NEIGHBOR_TOP_K"`
	// ImportanceBoost is added to the surviving importance on merge,
	// capped at 10.
	ImportanceBoost float64 `yaml:"importance_boost" env:"IMPORTANCE_BOOST"`
}

// GravityConfig holds time-decay ranking parameters.
type GravityConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days" env:"HALF_LIFE_DAYS"`
	Floor        float64 `yaml:"floor" env:"FLOOR"`
}

// ContextConfig bounds assembled context windows.
type ContextConfig struct {
	// TokenModel names the tiktoken encoding model for budget counting.
	TokenModel string `yaml:"token_model" env:"TOKEN_MODEL"`
	// Per-section token caps.
	CoreTokens     int `yaml:"core_tokens" env:"CORE_TOKENS"`
	CompassTokens  int `yaml:"compass_tokens" env:"COMPASS_TOKENS"`
	SessionTokens  int `yaml:"session_tokens" env:"SESSION_TOKENS"`
	RelevantTokens int `yaml:"relevant_tokens" env:"RELEVANT_TOKENS"`
	// SearchTopK bounds the relevance vector search.
	SearchTopK int `yaml:"search_top_k" env:"SEARCH_TOP_K"`
	// GraphExpansion enables one-hop related-memory expansion.
	GraphExpansion bool `yaml:"graph_expansion" env:"GRAPH_EXPANSION"`
	// ExpandFromTop limits how many top results seed the expansion.
	ExpandFromTop int `yaml:"expand_from_top" env:"EXPAND_FROM_TOP"`
}

// SynthesisConfig controls the background consolidation pipeline.
type SynthesisConfig struct {
	// Lookback is the window of unprocessed memories Phase 1 walks.
	Lookback time.Duration `yaml:"lookback" env:"LOOKBACK"`
	// MaxToProcess caps Phase-1 work per run.
	MaxToProcess int `yaml:"max_to_process" env:"MAX_TO_PROCESS"`
	// RelatedThreshold is Phase 1's own "related enough to act" bar.
	// Defaults equal to dedup.link_threshold but is tuned independently.
	RelatedThreshold float64 `yaml:"related_threshold" env:"RELATED_THRESHOLD"`
	// BatchSize is the Phase-2 discovery batch size.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// BatchParallelism bounds concurrent Phase-2 batches.
	BatchParallelism int `yaml:"batch_parallelism" env:"BATCH_PARALLELISM"`
	// TimeBudget bounds a whole run; unfinished work defers to the next run.
	TimeBudget time.Duration `yaml:"time_budget" env:"TIME_BUDGET"`

	// SerendipityFloor is the minimum similarity for weak discovery links.
	SerendipityFloor float64 `yaml:"serendipity_floor" env:"SERENDIPITY_FLOOR"`
	// SerendipityCap bounds weak links created per run.
	SerendipityCap int `yaml:"serendipity_cap" env:"SERENDIPITY_CAP"`

	Promotion PromotionConfig `yaml:"promotion" env:"PROMOTION"`
}

// PromotionConfig holds the deterministic identity-promotion gate knobs.
type PromotionConfig struct {
	MinOccurrences   int           `yaml:"min_occurrences" env:"MIN_OCCURRENCES"`
	MinSpan          time.Duration `yaml:"min_span" env:"MIN_SPAN"`
	MinFirstSeenAge  time.Duration `yaml:"min_first_seen_age" env:"MIN_FIRST_SEEN_AGE"`
	MinAvgImportance float64       `yaml:"min_avg_importance" env:"MIN_AVG_IMPORTANCE"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
			Outputs:  []string{"stderr"},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			KeyPrefix:    "evermind:",
		},
		Store: StoreConfig{
			Backend:          StoreQdrant,
			QdrantBaseURL:    "http://localhost:6333",
			QdrantCollection: "memories",
			VectorDimension:  1536,
			Timeout:          30 * time.Second,
		},
		Ledger: LedgerConfig{
			Path: "evermind-ledger.db",
		},
		Embedding: EmbeddingConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "text-embedding-3-small",
			Dimensions:        1536,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
		},
		Judgment: JudgmentConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		Session: SessionConfig{
			BoundaryIdle:  30 * time.Minute,
			TurnLogCap:    50,
			CompassMaxAge: 6 * time.Hour,
			StateTTL:      72 * time.Hour,
		},
		Dedup: DedupConfig{
			MergeThreshold:     0.85,
			LinkThreshold:      0.70,
			PrefilterThreshold: 0.50,
			NeighborTopK:       5,
			ImportanceBoost:    0.5,
		},
		Gravity: GravityConfig{
			HalfLifeDays: 30,
			Floor:        0.1,
		},
		Context: ContextConfig{
			TokenModel:     "gpt-4o",
			CoreTokens:     1200,
			CompassTokens:  800,
			SessionTokens:  600,
			RelevantTokens: 2000,
			SearchTopK:     12,
			GraphExpansion: true,
			ExpandFromTop:  3,
		},
		Synthesis: SynthesisConfig{
			Lookback:         14 * 24 * time.Hour,
			MaxToProcess:     200,
			RelatedThreshold: 0.70,
			BatchSize:        25,
			BatchParallelism: 2,
			TimeBudget:       10 * time.Minute,
			SerendipityFloor: 0.55,
			SerendipityCap:   5,
			Promotion: PromotionConfig{
				MinOccurrences:   3,
				MinSpan:          7 * 24 * time.Hour,
				MinFirstSeenAge:  24 * time.Hour,
				MinAvgImportance: 7,
			},
		},
	}
}
