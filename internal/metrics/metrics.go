// Package metrics provides Prometheus metrics for the ledger pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Feed metrics
	PagesFetched  *prometheus.CounterVec
	FeedErrors    *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Ingestion metrics
	RowsInserted  *prometheus.CounterVec
	RowsDuplicate *prometheus.CounterVec
	RowsMalformed *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec

	// Transform metrics
	RowsTransformed        *prometheus.CounterVec
	TransformBatchDuration *prometheus.HistogramVec

	// Progress metrics
	Backlog         *prometheus.GaugeVec
	CursorTimestamp *prometheus.GaugeVec

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ledgersync"
	}

	m := &Metrics{
		PagesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "Total number of feed pages fetched",
			},
			[]string{"partition"},
		),
		FeedErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_errors_total",
				Help:      "Total number of feed fetch failures by kind",
			},
			[]string{"partition", "kind"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of feed retry attempts",
			},
			[]string{"partition"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_fetch_duration_seconds",
				Help:      "Time to fetch one feed page including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"partition"},
		),
		RowsInserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_inserted_total",
				Help:      "Total number of raw rows inserted",
			},
			[]string{"partition"},
		),
		RowsDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_duplicate_total",
				Help:      "Total number of records skipped as already ingested",
			},
			[]string{"partition"},
		),
		RowsMalformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_malformed_total",
				Help:      "Total number of records skipped for missing identity",
			},
			[]string{"partition"},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of warehouse write errors",
			},
			[]string{"partition", "operation"},
		),
		RowsTransformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_transformed_total",
				Help:      "Total number of raw rows normalized into parsed rows",
			},
			[]string{"partition"},
		),
		TransformBatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transform_batch_duration_seconds",
				Help:      "Time to transform one batch of raw rows",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"partition"},
		),
		Backlog: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backlog_rows",
				Help:      "Raw rows ingested but not yet transformed",
			},
			[]string{"partition"},
		),
		CursorTimestamp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cursor_timestamp_seconds",
				Help:      "Unix timestamp of the last committed position",
			},
			[]string{"partition", "kind"},
		),
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by outcome",
			},
			[]string{"status"},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Total duration of a pipeline run",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

func partitionLabel(partitionID int64) string {
	return strconv.FormatInt(partitionID, 10)
}

// IncPagesFetched increments the pages fetched counter.
func (m *Metrics) IncPagesFetched(partitionID int64) {
	m.PagesFetched.WithLabelValues(partitionLabel(partitionID)).Inc()
}

// IncFeedErrors increments the feed errors counter for an error kind.
func (m *Metrics) IncFeedErrors(partitionID int64, kind string) {
	m.FeedErrors.WithLabelValues(partitionLabel(partitionID), kind).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(partitionID int64) {
	m.RetryAttempts.WithLabelValues(partitionLabel(partitionID)).Inc()
}

// ObserveFetchDuration records the duration of one page fetch.
func (m *Metrics) ObserveFetchDuration(partitionID int64, seconds float64) {
	m.FetchDuration.WithLabelValues(partitionLabel(partitionID)).Observe(seconds)
}

// AddRowsInserted adds to the rows inserted counter.
func (m *Metrics) AddRowsInserted(partitionID int64, n float64) {
	m.RowsInserted.WithLabelValues(partitionLabel(partitionID)).Add(n)
}

// AddRowsDuplicate adds to the duplicate rows counter.
func (m *Metrics) AddRowsDuplicate(partitionID int64, n float64) {
	m.RowsDuplicate.WithLabelValues(partitionLabel(partitionID)).Add(n)
}

// AddRowsMalformed adds to the malformed rows counter.
func (m *Metrics) AddRowsMalformed(partitionID int64, n float64) {
	m.RowsMalformed.WithLabelValues(partitionLabel(partitionID)).Add(n)
}

// IncStoreErrors increments the warehouse errors counter.
func (m *Metrics) IncStoreErrors(partitionID int64, operation string) {
	m.StoreErrors.WithLabelValues(partitionLabel(partitionID), operation).Inc()
}

// AddRowsTransformed adds to the rows transformed counter.
func (m *Metrics) AddRowsTransformed(partitionID int64, n float64) {
	m.RowsTransformed.WithLabelValues(partitionLabel(partitionID)).Add(n)
}

// ObserveTransformBatchDuration records the duration of one transform batch.
func (m *Metrics) ObserveTransformBatchDuration(partitionID int64, seconds float64) {
	m.TransformBatchDuration.WithLabelValues(partitionLabel(partitionID)).Observe(seconds)
}

// SetBacklog sets the current backlog gauge.
func (m *Metrics) SetBacklog(partitionID int64, rows float64) {
	m.Backlog.WithLabelValues(partitionLabel(partitionID)).Set(rows)
}

// SetCursorTimestamp sets the committed position gauge for a cursor kind.
func (m *Metrics) SetCursorTimestamp(partitionID int64, kind string, unixSeconds float64) {
	m.CursorTimestamp.WithLabelValues(partitionLabel(partitionID), kind).Set(unixSeconds)
}

// IncRuns increments the run counter for an outcome.
func (m *Metrics) IncRuns(status string) {
	m.RunsTotal.WithLabelValues(status).Inc()
}

// ObserveRunDuration records the total duration of a run.
func (m *Metrics) ObserveRunDuration(seconds float64) {
	m.RunDuration.Observe(seconds)
}
