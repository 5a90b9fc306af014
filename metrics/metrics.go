// Package metrics holds the Prometheus collectors of the ingest and query paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"medrag/types"
)

const namespace = "medrag"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	DocumentsLoaded prometheus.Counter
	ChunksWritten   prometheus.Counter
	FilesSkipped    *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec
	QueryDuration   *prometheus.HistogramVec
	QueryErrors     *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DocumentsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_loaded_total",
			Help:      "Total number of source documents loaded for ingestion",
		}),
		ChunksWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Total number of chunks upserted into the index",
		}),
		FilesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Total number of files skipped during ingestion",
		}, []string{"kind"}),
		IngestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"status"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Question answering duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_errors_total",
			Help:      "Total number of failed questions by error kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveIngest(result types.IngestResult, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DocumentsLoaded.Add(float64(result.DocumentsLoaded))
	m.ChunksWritten.Add(float64(result.ChunksWritten))
	for _, s := range result.Skipped {
		m.FilesSkipped.WithLabelValues(types.Kind(s.Err)).Inc()
	}
	m.IngestDuration.WithLabelValues(status(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveQuery(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(status(err)).Observe(elapsed.Seconds())
	if err != nil {
		m.QueryErrors.WithLabelValues(types.Kind(err)).Inc()
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
