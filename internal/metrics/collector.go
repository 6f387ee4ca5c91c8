// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector exposes prometheus metrics for the memory engine.
type Collector struct {
	writesTotal       *prometheus.CounterVec
	mergeDecisions    *prometheus.CounterVec
	embeddingFailures prometheus.Counter

	contextBuilds        prometheus.Counter
	contextBuildDuration prometheus.Histogram

	synthesisRuns      *prometheus.CounterVec
	synthesisDuration  *prometheus.HistogramVec
	promotionOutcomes  *prometheus.CounterVec
	hotOpsTotal        *prometheus.CounterVec
	hotBackendFailures prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg.
// Passing prometheus.NewRegistry() keeps tests isolated.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promautoWith(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.writesTotal = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_writes_total",
		Help:      "Durable memory writes by type and outcome.",
	}, []string{"type", "outcome"})

	c.mergeDecisions = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_decisions_total",
		Help:      "Deduplicator decisions (merge, absorb, link, new, drift_rejected).",
	}, []string{"decision"})

	c.embeddingFailures = factory.counter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_failures_total",
		Help:      "Embedding provider failures (writes fail open).",
	})

	c.contextBuilds = factory.counter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "context_builds_total",
		Help:      "Context window assemblies.",
	})

	c.contextBuildDuration = factory.histogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "context_build_duration_seconds",
		Help:      "Context assembly latency.",
		Buckets:   prometheus.DefBuckets,
	})

	c.synthesisRuns = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "synthesis_runs_total",
		Help:      "Synthesis runs by terminal status.",
	}, []string{"status"})

	c.synthesisDuration = factory.histogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "synthesis_phase_duration_seconds",
		Help:      "Synthesis phase durations.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"phase"})

	c.promotionOutcomes = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "promotion_outcomes_total",
		Help:      "Promotion gate outcomes (promoted, rejected, deferred).",
	}, []string{"outcome"})

	c.hotOpsTotal = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hot_memory_ops_total",
		Help:      "Hot memory operations by kind.",
	}, []string{"op"})

	c.hotBackendFailures = factory.counter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hot_backend_failures_total",
		Help:      "Hot backend failures absorbed by fail-open behavior.",
	})

	return c
}

// RecordWrite counts a durable write.
func (c *Collector) RecordWrite(memType, outcome string) {
	c.writesTotal.WithLabelValues(memType, outcome).Inc()
}

// RecordMergeDecision counts a deduplicator decision.
func (c *Collector) RecordMergeDecision(decision string) {
	c.mergeDecisions.WithLabelValues(decision).Inc()
}

// RecordEmbeddingFailure counts a failed embedding call.
func (c *Collector) RecordEmbeddingFailure() { c.embeddingFailures.Inc() }

// RecordContextBuild counts one context assembly with its latency.
func (c *Collector) RecordContextBuild(d time.Duration) {
	c.contextBuilds.Inc()
	c.contextBuildDuration.Observe(d.Seconds())
}

// RecordSynthesisRun counts a run's terminal status.
func (c *Collector) RecordSynthesisRun(status string) {
	c.synthesisRuns.WithLabelValues(status).Inc()
}

// RecordSynthesisPhase records a phase duration.
func (c *Collector) RecordSynthesisPhase(phase string, d time.Duration) {
	c.synthesisDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordPromotion counts a promotion gate outcome.
func (c *Collector) RecordPromotion(outcome string) {
	c.promotionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHotOp counts a hot memory operation.
func (c *Collector) RecordHotOp(op string) { c.hotOpsTotal.WithLabelValues(op).Inc() }

// RecordHotFailure counts a hot backend failure absorbed by fail-open reads.
func (c *Collector) RecordHotFailure() { c.hotBackendFailures.Inc() }

// factory wraps a registerer so vec construction stays terse.
type factory struct{ reg prometheus.Registerer }

func promautoWith(reg prometheus.Registerer) factory { return factory{reg: reg} }

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.reg.MustRegister(h)
	return h
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}
