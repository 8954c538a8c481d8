// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's Prometheus metrics. A nil
// *Collector is a valid no-op, so callers never need nil checks.
type Collector struct {
	redactionsTotal      *prometheus.CounterVec
	scannerFailuresTotal prometheus.Counter

	writesTotal          *prometheus.CounterVec
	recallsTotal         *prometheus.CounterVec
	recallDegradedTotal  prometheus.Counter
	embeddingRetryTotal  prometheus.Counter
	embeddingCacheHits   prometheus.Counter
	embeddingCacheMisses prometheus.Counter

	storageOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the metric set under namespace. A nil registerer
// uses the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.redactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Total number of redacted secret spans",
		},
		[]string{"kind"},
	)

	c.scannerFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanner_failures_total",
			Help:      "Total number of scanner pattern-engine failures",
		},
	)

	c.writesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Total number of memory write attempts",
		},
		[]string{"status"}, // stored, stored_unembedded, failed
	)

	c.recallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_recalls_total",
			Help:      "Total number of recall attempts",
		},
		[]string{"status"}, // ok, failed
	)

	c.recallDegradedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_recalls_degraded_total",
			Help:      "Recalls that fell back to lexical-only retrieval",
		},
	)

	c.embeddingRetryTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_retries_total",
			Help:      "Total number of embedding request retries",
		},
	)

	c.embeddingCacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Total number of embedding cache hits",
		},
	)

	c.embeddingCacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Total number of embedding cache misses",
		},
	)

	c.storageOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_op_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRedaction counts one redacted span.
func (c *Collector) RecordRedaction(kind string) {
	if c == nil {
		return
	}
	c.redactionsTotal.WithLabelValues(kind).Inc()
}

// RecordScannerFailure counts one degraded pattern evaluation.
func (c *Collector) RecordScannerFailure() {
	if c == nil {
		return
	}
	c.scannerFailuresTotal.Inc()
}

// RecordWrite counts one write attempt by outcome.
func (c *Collector) RecordWrite(status string) {
	if c == nil {
		return
	}
	c.writesTotal.WithLabelValues(status).Inc()
}

// RecordRecall counts one recall attempt by outcome.
func (c *Collector) RecordRecall(status string) {
	if c == nil {
		return
	}
	c.recallsTotal.WithLabelValues(status).Inc()
}

// RecordRecallDegraded counts a lexical-only fallback.
func (c *Collector) RecordRecallDegraded() {
	if c == nil {
		return
	}
	c.recallDegradedTotal.Inc()
}

// RecordEmbeddingRetry counts one embedding retry attempt.
func (c *Collector) RecordEmbeddingRetry() {
	if c == nil {
		return
	}
	c.embeddingRetryTotal.Inc()
}

// RecordEmbeddingCache counts a cache lookup.
func (c *Collector) RecordEmbeddingCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.embeddingCacheHits.Inc()
	} else {
		c.embeddingCacheMisses.Inc()
	}
}

// RecordStorageOp observes one storage call's duration.
func (c *Collector) RecordStorageOp(operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.storageOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
