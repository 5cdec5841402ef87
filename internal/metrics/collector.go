// Package metrics exposes Prometheus instrumentation for the query engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels for per-stage latency observations.
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageAssemble = "assemble"
	StageGenerate = "generate"
	StageTotal    = "total"
)

// Outcome labels for the query counter.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
)

// Collector holds the engine's Prometheus instruments. Construct one per
// registry; registering the same instruments twice panics.
type Collector struct {
	queries         *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	cacheOps        *prometheus.CounterVec
	retrievedChunks prometheus.Histogram
	contextTokens   prometheus.Histogram
}

// NewCollector registers the engine instruments with reg. Pass
// prometheus.DefaultRegisterer for process-global metrics, or a fresh
// registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "javis",
			Name:      "queries_total",
			Help:      "Queries processed, by outcome and error code.",
		}, []string{"outcome", "code"}),

		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "javis",
			Name:      "query_stage_seconds",
			Help:      "Per-stage query latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		cacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "javis",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, by kind (embedding/answer) and result (hit/miss).",
		}, []string{"kind", "result"}),

		retrievedChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "javis",
			Name:      "retrieved_chunks",
			Help:      "Chunks returned by similarity search per query.",
			Buckets:   prometheus.LinearBuckets(0, 1, 21),
		}),

		contextTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "javis",
			Name:      "context_tokens",
			Help:      "Tokens packed into the assembled context per query.",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 12),
		}),
	}
}

// QueryCompleted counts a successful query.
func (c *Collector) QueryCompleted() {
	c.queries.WithLabelValues(OutcomeCompleted, "").Inc()
}

// QueryErrored counts a failed query with its error code.
func (c *Collector) QueryErrored(code string) {
	c.queries.WithLabelValues(OutcomeErrored, code).Inc()
}

// ObserveStage records one stage's latency.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// CacheLookup counts a cache hit or miss for the given kind.
func (c *Collector) CacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheOps.WithLabelValues(kind, result).Inc()
}

// ObserveRetrieval records search and assembly sizes for one query.
func (c *Collector) ObserveRetrieval(chunks, contextTokens int) {
	c.retrievedChunks.Observe(float64(chunks))
	c.contextTokens.Observe(float64(contextTokens))
}
