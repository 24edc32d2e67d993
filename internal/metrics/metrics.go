// Package metrics exposes Prometheus collectors for the regulations service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	recordsExtractedTotal      prometheus.Counter
	validationRowsTotal        *prometheus.CounterVec
	invalidCellsTotal          *prometheus.CounterVec
	writeRecordsTotal          *prometheus.CounterVec
	componentsInsertedTotal    prometheus.Counter
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	probeTotal                 *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_pages_total",
				Help: "Total number of listing pages scraped, labeled by outcome.",
			},
			[]string{"status"},
		)

		recordsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regulations_records_extracted_total",
				Help: "Total number of records extracted from listing pages.",
			},
		)

		validationRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_validation_rows_total",
				Help: "Rows seen by the validator, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		invalidCellsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_invalid_cells_total",
				Help: "Cells nulled by validation, labeled by field.",
			},
			[]string{"field"},
		)

		writeRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_write_records_total",
				Help: "Records handled by the writer, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		componentsInsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regulations_components_inserted_total",
				Help: "Total number of regulation component links inserted.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_runs_total",
				Help: "Total number of pipeline runs, labeled by status and content check.",
			},
			[]string{"status", "content_check"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "regulations_run_duration_seconds",
				Help:    "Histogram of pipeline run durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		probeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regulations_probe_total",
				Help: "Total number of change probes, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regulations_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder adapts the package collectors to the observer interfaces of the
// extractor, the rate limiter and the pipeline.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// ObservePage counts one scraped page and its records.
func (Recorder) ObservePage(status string, records int) {
	ObservePage(status, records)
}

// ObserveRateLimitDelay records a rate limit wait.
func (Recorder) ObserveRateLimitDelay(domain string, d time.Duration) {
	ObserveRateLimitDelay(domain, d)
}

// ObserveProbe records a change probe result.
func (Recorder) ObserveProbe(newContent bool) {
	ObserveProbe(newContent)
}

// ObserveValidation records one validation pass.
func (Recorder) ObserveValidation(valid, discarded int, invalidCells map[string]int) {
	ObserveValidation(valid, discarded, invalidCells)
}

// ObserveWrite records the outcome of one write.
func (Recorder) ObserveWrite(inserted int64, persistedDuplicates, batchDuplicates int, components int64) {
	ObserveWrite(inserted, persistedDuplicates, batchDuplicates, components)
}

// ObserveRun records a finished pipeline run.
func (Recorder) ObserveRun(success bool, contentCheck string, duration time.Duration) {
	ObserveRun(success, contentCheck, duration)
}

// ObservePage counts one scraped page and its records.
func ObservePage(status string, records int) {
	pagesTotal.WithLabelValues(status).Inc()
	if records > 0 {
		recordsExtractedTotal.Add(float64(records))
	}
}

// ObserveValidation records one validation pass.
func ObserveValidation(valid, discarded int, invalidCells map[string]int) {
	validationRowsTotal.WithLabelValues("valid").Add(float64(valid))
	validationRowsTotal.WithLabelValues("discarded").Add(float64(discarded))
	for field, n := range invalidCells {
		invalidCellsTotal.WithLabelValues(field).Add(float64(n))
	}
}

// ObserveWrite records the outcome of one write.
func ObserveWrite(inserted int64, persistedDuplicates, batchDuplicates int, components int64) {
	writeRecordsTotal.WithLabelValues("inserted").Add(float64(inserted))
	writeRecordsTotal.WithLabelValues("duplicate_persisted").Add(float64(persistedDuplicates))
	writeRecordsTotal.WithLabelValues("duplicate_intra_batch").Add(float64(batchDuplicates))
	if components > 0 {
		componentsInsertedTotal.Add(float64(components))
	}
}

// ObserveRun records a finished pipeline run.
func ObserveRun(success bool, contentCheck string, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	runsTotal.WithLabelValues(status, contentCheck).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveProbe records a change probe result.
func ObserveProbe(newContent bool) {
	result := "no_new_content"
	if newContent {
		result = "new_content"
	}
	probeTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
