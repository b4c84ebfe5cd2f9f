// Package metrics provides Prometheus metrics for the tile pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Tile metrics
	TilesFetched       *prometheus.CounterVec
	TileBytes          prometheus.Counter
	FetchRetries       prometheus.Counter
	TilesGeoreferenced *prometheus.CounterVec

	// Batch metrics
	BatchesCompleted *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec

	// Merge metrics
	Merges        *prometheus.CounterVec
	MergeDuration prometheus.Histogram
	MergeBytes    prometheus.Histogram
	WatchBatches  *prometheus.GaugeVec

	// Pipeline metrics
	InFlight *prometheus.GaugeVec

	// Error metrics
	SinkErrors *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init registers metrics with the default Prometheus registry and makes
// them available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tilemosaic"
	}
	f := promauto.With(reg)

	return &Metrics{
		TilesFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_fetched_total",
				Help:      "Tiles processed by the fetch stage by result",
			},
			[]string{"result"},
		),
		TileBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_bytes_total",
				Help:      "Bytes of tile imagery written to disk",
			},
		),
		FetchRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Tile request retries",
			},
		),
		TilesGeoreferenced: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_georeferenced_total",
				Help:      "Tiles processed by the georeference stage by result",
			},
			[]string{"result"},
		),
		BatchesCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Batch passes by stage and status",
			},
			[]string{"stage", "status"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to process one batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"stage"},
		),
		Merges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_total",
				Help:      "Batch merges by result",
			},
			[]string{"result"},
		),
		MergeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to build one mosaic",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		MergeBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_bytes",
				Help:      "Size of merged artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 14), // 1MB to ~8GB
			},
		),
		WatchBatches: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watch_batches",
				Help:      "Batches tracked by the merge coordinator by state",
			},
			[]string{"state"},
		),
		InFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight",
				Help:      "Units of work currently running by stage",
			},
			[]string{"stage"},
		),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failed artifact publications and notifications",
			},
			[]string{"sink"},
		),
	}
}

// Handler returns the scrape handler plus a /health probe.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer serves the default registry on address until ctx is done.
func StartServer(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           Handler(prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncTile records a fetch outcome ("success", "skipped", "failed").
func (m *Metrics) IncTile(result string, bytes int64) {
	if m == nil {
		return
	}
	m.TilesFetched.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.TileBytes.Add(float64(bytes))
	}
}

// IncRetry increments the retry counter.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}

// IncGeoreferenced records a georeference outcome.
func (m *Metrics) IncGeoreferenced(result string) {
	if m == nil {
		return
	}
	m.TilesGeoreferenced.WithLabelValues(result).Inc()
}

// ObserveBatch records a finished batch pass.
func (m *Metrics) ObserveBatch(stage, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BatchesCompleted.WithLabelValues(stage, status).Inc()
	m.BatchDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveMerge records a merge result ("merged", "skipped", "failed").
func (m *Metrics) ObserveMerge(result string, seconds float64, bytes int64) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(result).Inc()
	if result == "merged" {
		m.MergeDuration.Observe(seconds)
		m.MergeBytes.Observe(float64(bytes))
	}
}

// SetWatchState publishes the coordinator's set sizes.
func (m *Metrics) SetWatchState(merged, waiting, failed int) {
	if m == nil {
		return
	}
	m.WatchBatches.WithLabelValues("merged").Set(float64(merged))
	m.WatchBatches.WithLabelValues("waiting").Set(float64(waiting))
	m.WatchBatches.WithLabelValues("failed").Set(float64(failed))
}

// AddInFlight adjusts the in-flight gauge for stage.
func (m *Metrics) AddInFlight(stage string, delta float64) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(stage).Add(delta)
}

// IncSinkErrors increments the error counter for a publish or notify sink.
func (m *Metrics) IncSinkErrors(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}
