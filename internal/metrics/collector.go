// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records pipeline metrics on a caller-supplied registry.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	sourcesIngestedTotal *prometheus.CounterVec
	ingestPhaseDuration  *prometheus.HistogramVec
	chunksCreatedTotal   *prometheus.CounterVec
	chunksDuplicateTotal *prometheus.CounterVec

	llmRequestsTotal *prometheus.CounterVec
	llmTokensUsed    *prometheus.CounterVec
	llmCost          *prometheus.CounterVec

	chatStageDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

type metricFactory struct {
	promauto.Factory
	namespace string
}

func (f metricFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func (f metricFactory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewCollector creates a collector registered on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := metricFactory{Factory: promauto.With(reg), namespace: namespace}

	phaseBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}
	stageBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

	c := &Collector{
		httpRequestsTotal: f.counter("http_requests_total",
			"Total number of HTTP requests", "method", "path", "status"),
		httpRequestDuration: f.histogram("http_request_duration_seconds",
			"HTTP request duration in seconds", prometheus.DefBuckets, "method", "path"),

		sourcesIngestedTotal: f.counter("sources_ingested_total",
			"Total number of ingested sources", "source_type", "status"),
		ingestPhaseDuration: f.histogram("ingest_phase_duration_seconds",
			"Ingestion phase duration in seconds", phaseBuckets, "phase"),
		chunksCreatedTotal: f.counter("chunks_created_total",
			"Total number of chunks written", "source_type"),
		chunksDuplicateTotal: f.counter("chunks_duplicate_total",
			"Total number of chunks detected as duplicates", "source_type"),

		llmRequestsTotal: f.counter("llm_requests_total",
			"Total number of LLM requests", "provider", "model", "status"),
		llmTokensUsed: f.counter("llm_tokens_used_total",
			"Total number of tokens used", "provider", "model", "type"),
		llmCost: f.counter("llm_cost_total",
			"Total LLM cost in USD", "provider", "model"),

		chatStageDuration: f.histogram("chat_stage_duration_seconds",
			"Chat pipeline stage duration in seconds", stageBuckets, "stage"),

		cacheHits: f.counter("cache_hits_total",
			"Total number of cache hits", "cache_type"),
		cacheMisses: f.counter("cache_misses_total",
			"Total number of cache misses", "cache_type"),

		logger: logger.With(zap.String("component", "metrics")),
	}

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSourceIngested records the outcome of one source ingestion.
func (c *Collector) RecordSourceIngested(sourceType, status string) {
	c.sourcesIngestedTotal.WithLabelValues(sourceType, status).Inc()
}

// RecordIngestPhase records one completed ingestion phase.
func (c *Collector) RecordIngestPhase(phase string, duration time.Duration) {
	c.ingestPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordChunks records how many chunks a source produced and how many of
// them were duplicates.
func (c *Collector) RecordChunks(sourceType string, created, duplicates int) {
	c.chunksCreatedTotal.WithLabelValues(sourceType).Add(float64(created))
	c.chunksDuplicateTotal.WithLabelValues(sourceType).Add(float64(duplicates))
}

// RecordLLMRequest records one upstream LLM call.
func (c *Collector) RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// RecordChatStage records one chat pipeline stage.
func (c *Collector) RecordChatStage(stage string, duration time.Duration) {
	c.chatStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
