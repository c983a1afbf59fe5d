// Package metrics exposes the Prometheus instrumentation shared across
// the storage, retrieval and queue layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retrieval metrics
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_retrievals_total",
			Help: "Total number of hierarchical retrievals",
		},
		[]string{"mode", "status"},
	)

	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openviking_retrieval_duration_seconds",
			Help:    "Hierarchical retrieval duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RetrievalExpansions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openviking_retrieval_expansions",
			Help:    "Directories expanded per retrieval",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openviking_queue_depth",
			Help: "Current number of messages waiting in a queue",
		},
		[]string{"queue"},
	)

	QueueProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_queue_processed_total",
			Help: "Total number of queue messages processed",
		},
		[]string{"queue", "status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_embedding_requests_total",
			Help: "Total number of embedding backend requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openviking_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openviking_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openviking_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Vector index metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_vector_search_total",
			Help: "Total number of vector index searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openviking_vector_search_latency_seconds",
			Help:    "Vector index search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Semantic pipeline metrics
	SemanticWalks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_semantic_walks_total",
			Help: "Total number of semantic DAG walks",
		},
		[]string{"status"},
	)

	SemanticWalkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openviking_semantic_walk_duration_seconds",
			Help:    "Semantic DAG walk duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	SemanticNodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_semantic_nodes_total",
			Help: "Total number of nodes processed by semantic walks",
		},
		[]string{"status"},
	)

	// Filesystem metrics
	FSOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_fs_operations_total",
			Help: "Total number of virtual filesystem operations",
		},
		[]string{"op", "status"},
	)

	FSOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openviking_fs_operation_duration_seconds",
			Help:    "Virtual filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// RecordRetrieval records one hierarchical retrieval.
func RecordRetrieval(mode, status string, durationSeconds float64, expansions int) {
	RetrievalsTotal.WithLabelValues(mode, status).Inc()
	RetrievalDuration.WithLabelValues(mode).Observe(durationSeconds)
	if expansions > 0 {
		RetrievalExpansions.Observe(float64(expansions))
	}
}

// RecordQueueProcessed records one processed queue message.
func RecordQueueProcessed(queue, status string) {
	QueueProcessed.WithLabelValues(queue, status).Inc()
}

// RecordEmbedding records one embedding backend request.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearch records one vector index search.
func RecordVectorSearch(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordSemanticWalk records one finished DAG walk.
func RecordSemanticWalk(status string, durationSeconds float64, nodes int) {
	SemanticWalks.WithLabelValues(status).Inc()
	SemanticWalkDuration.Observe(durationSeconds)
	if nodes > 0 {
		SemanticNodes.WithLabelValues(status).Add(float64(nodes))
	}
}

// RecordFSOperation records one virtual filesystem operation.
func RecordFSOperation(op, status string, durationSeconds float64) {
	FSOperations.WithLabelValues(op, status).Inc()
	FSOperationDuration.WithLabelValues(op).Observe(durationSeconds)
}
