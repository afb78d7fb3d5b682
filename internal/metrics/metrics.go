package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 管道与检索的 Prometheus 指标
type Metrics struct {
	EventsConsumed   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	LeaseContention  prometheus.Counter
	EmbeddingBatches *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	CacheRequests    *prometheus.CounterVec
	DeadLetters      prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_events_consumed_total",
			Help: "Events handled by the indexing coordinator",
		}, []string{"channel", "type", "status"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docindex_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "status"}),

		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_stage_retries_total",
			Help: "Retried pipeline runs by error class",
		}, []string{"error_class"}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_document_outcomes_total",
			Help: "Terminal outcomes of document revisions",
		}, []string{"outcome"}),

		LeaseContention: f.NewCounter(prometheus.CounterOpts{
			Name: "docindex_lease_contention_total",
			Help: "Lease acquisitions rejected because another worker owns the document",
		}),

		EmbeddingBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_embedding_batches_total",
			Help: "Embedding backend batch calls",
		}, []string{"status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docindex_query_duration_seconds",
			Help:    "Retrieval query latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_cache_requests_total",
			Help: "Cache lookups by result",
		}, []string{"cache", "result"}),

		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "docindex_dead_letters_total",
			Help: "Document revisions moved to the dead-letter table",
		}),
	}
}

// NewNop returns collectors bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
