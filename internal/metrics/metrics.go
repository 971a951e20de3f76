package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backfill metrics
	EmbeddingsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "isearch_embeddings_written_total",
			Help: "Total message embeddings inserted",
		},
	)

	EmbeddingWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "isearch_embedding_write_failures_total",
			Help: "Total embedding rows that failed to insert",
		},
	)

	BackfillBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isearch_backfill_batches_total",
			Help: "Total backfill batches processed",
		},
		[]string{"outcome"}, // "ok" or "encode_error"
	)

	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "isearch_pending_messages",
			Help: "Messages without an embedding at the start of the last backfill run",
		},
	)

	// Model metrics
	EmbedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isearch_embed_calls_total",
			Help: "Total model invocations",
		},
		[]string{"outcome"},
	)

	EmbedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isearch_embed_duration_seconds",
			Help:    "Model invocation latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Archive metrics
	CorruptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "isearch_corrupt_records_total",
			Help: "Archive rows skipped because they could not be parsed",
		},
	)

	// Search metrics
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isearch_search_queries_total",
			Help: "Total search queries",
		},
		[]string{"outcome"}, // "ok", "empty_index" or "error"
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isearch_search_duration_seconds",
			Help:    "Search latency including query embedding",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isearch_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isearch_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
