package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "indexer"

// Metrics owns the Prometheus collectors exported on /metrics. All
// collectors are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	MessagesConsumed  prometheus.Counter
	MessagesFailed    prometheus.Counter
	BatchesIndexed    prometheus.Counter
	BatchesFailed     prometheus.Counter
	ConsecutiveFailed prometheus.Gauge
	Documents         *prometheus.CounterVec
	Images            *prometheus.CounterVec
	SinkUpserts       *prometheus.CounterVec
	SinkRetries       *prometheus.CounterVec
	BatchSeconds      prometheus.Histogram
	EmbeddingSeconds  prometheus.Histogram
	MessageSeconds    prometheus.Histogram
	CurrentVectors    prometheus.Gauge
	CurrentRows       prometheus.Gauge
	EventLoopLatency  prometheus.Gauge
	Uptime            prometheus.Gauge
	DedupEntries      *prometheus.GaugeVec
	buildInfo         *prometheus.GaugeVec
}

// NewMetrics registers every collector on a private registry together with
// the Go runtime and process collectors.
func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_consumed_total",
			Help: "Total number of messages consumed from Kafka",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_failed_total",
			Help: "Total number of messages that failed processing",
		}),
		BatchesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_indexed_total",
			Help: "Total number of document batches indexed",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_failed_total",
			Help: "Total number of batches with at least one failed stage",
		}),
		ConsecutiveFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "consecutive_failed_batches",
			Help: "Number of failed batches since the last fully successful one",
		}),
		Documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_total",
			Help: "Documents by outcome",
		}, []string{"outcome"}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "images_total",
			Help: "Images by outcome",
		}, []string{"outcome"}),
		SinkUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_upserts_total",
			Help: "Upsert calls per sink and outcome",
		}, []string{"sink", "outcome"}),
		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_retries_total",
			Help: "Failed upsert attempts that were retried",
		}, []string{"sink"}),
		BatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_processing_seconds",
			Help:    "Time taken to index a single batch",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		EmbeddingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "embedding_seconds",
			Help:    "Time spent generating embeddings per batch",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		MessageSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_processing_seconds",
			Help:    "Time taken to decode and enqueue a single message",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		CurrentVectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_vectors",
			Help: "Current number of vectors in the document collection",
		}),
		CurrentRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_rows",
			Help: "Current number of rows in the row store",
		}),
		EventLoopLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "event_loop_latency_seconds",
			Help: "Scheduling delay of the monitor tick, a proxy for back-pressure",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help: "Service uptime in seconds since start",
		}),
		DedupEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dedup_entries",
			Help: "Entries held by the dedup cache",
		}, []string{"kind"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help: "Build and version information",
		}, []string{"version"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesConsumed, m.MessagesFailed, m.BatchesIndexed, m.BatchesFailed,
		m.ConsecutiveFailed, m.Documents, m.Images, m.SinkUpserts, m.SinkRetries,
		m.BatchSeconds, m.EmbeddingSeconds, m.MessageSeconds, m.CurrentVectors,
		m.CurrentRows, m.EventLoopLatency, m.Uptime, m.DedupEntries, m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe folds a finished batch into the cumulative collectors.
func (m *Metrics) Observe(b Batch) {
	m.Documents.WithLabelValues("successful").Add(float64(b.SuccessfulDocs))
	m.Documents.WithLabelValues("successful_rows").Add(float64(b.SuccessfulRows))
	m.Documents.WithLabelValues("failed").Add(float64(b.FailedDocs))
	m.Documents.WithLabelValues("failed_rows").Add(float64(b.FailedRows))
	m.Documents.WithLabelValues("duplicate").Add(float64(b.DuplicateDocs))
	m.Images.WithLabelValues("successful").Add(float64(b.SuccessfulImages))
	m.Images.WithLabelValues("failed").Add(float64(b.FailedImages))
	m.Images.WithLabelValues("skipped").Add(float64(b.SkippedImages))
	m.BatchSeconds.Observe(b.ProcessingTime.Seconds())
	m.EmbeddingSeconds.Observe(b.EmbeddingTime.Seconds())
}

// SetDedupSize publishes the dedup cache sizes.
func (m *Metrics) SetDedupSize(urls, hashes int) {
	m.DedupEntries.WithLabelValues("url").Set(float64(urls))
	m.DedupEntries.WithLabelValues("hash").Set(float64(hashes))
}
