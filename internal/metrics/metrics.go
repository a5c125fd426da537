// Package metrics collects ingestion counters in a dedicated Prometheus
// registry, served on /metrics and optionally pushed to a Pushgateway when a
// run ends.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "ingest"

// Recorder is the set of collectors the pipeline updates.
type Recorder struct {
	reg *prometheus.Registry

	windows        *prometheus.CounterVec   // outcome: ok, empty, failed
	fetchDuration  *prometheus.HistogramVec // outcome
	rows           *prometheus.CounterVec   // dataset
	batches        *prometheus.CounterVec   // outcome: merged, created, appended, failed
	datasetResults *prometheus.CounterVec   // status
}

// New registers the pipeline collectors on a fresh registry.
func New() (*Recorder, error) {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		reg: reg,
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Windows processed, partitioned by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock time to fetch one window, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written to the destination, partitioned by dataset.",
		}, []string{"dataset"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch loads, partitioned by outcome.",
		}, []string{"outcome"}),
		datasetResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataset_results_total",
			Help:      "Terminal dataset statuses.",
		}, []string{"status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"windows":         r.windows,
		"fetch duration":  r.fetchDuration,
		"rows":            r.rows,
		"batches":         r.batches,
		"dataset results": r.datasetResults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s collector: %w", name, err)
		}
	}
	return r, nil
}

// Window outcomes.
const (
	WindowOK     = "ok"
	WindowEmpty  = "empty"
	WindowFailed = "failed"
)

// Batch outcomes.
const (
	BatchCreated  = "created"
	BatchMerged   = "merged"
	BatchAppended = "appended"
	BatchFailed   = "failed"
)

// ObserveWindow counts one window outcome and how long its fetch took.
func (r *Recorder) ObserveWindow(dataset, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.windows.WithLabelValues(dataset, outcome).Inc()
	r.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveBatch counts one batch load and the rows it wrote.
func (r *Recorder) ObserveBatch(dataset, outcome string, rows int64) {
	if r == nil {
		return
	}
	r.batches.WithLabelValues(outcome).Inc()
	if rows > 0 {
		r.rows.WithLabelValues(dataset).Add(float64(rows))
	}
}

// ObserveDataset counts a terminal dataset status.
func (r *Recorder) ObserveDataset(status string) {
	if r == nil {
		return
	}
	r.datasetResults.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.reg }

// Push sends the current registry to a Pushgateway under job.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return fmt.Errorf("pushgateway url is required")
	}
	if job == "" {
		job = "series_ingest"
	}
	return push.New(gatewayURL, job).Gatherer(r.reg).PushContext(ctx)
}
