package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results.
const (
	LookupHit       = "hit"
	LookupMiss      = "miss"
	LookupShared    = "shared"
	LookupPersisted = "persisted"
)

// Metrics provides Prometheus metrics for the executor.
type Metrics struct {
	config MetricsConfig

	// Cache metrics
	cacheLookups  *prometheus.CounterVec
	cacheInflight prometheus.Gauge

	// Materializer metrics
	materializeOps      *prometheus.CounterVec
	materializeDuration *prometheus.HistogramVec

	// Action metrics
	actionDuration *prometheus.HistogramVec
	actionFailures *prometheus.CounterVec
	activeActions  prometheus.Gauge

	// Store metrics
	storeBytes *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Action cache lookups by result",
			},
			[]string{"result"},
		),
		cacheInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_inflight",
				Help:      "Executions currently in flight",
			},
		),

		materializeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "materialize_ops_total",
				Help:      "Entries touched by materialization, by operation",
			},
			[]string{"op"},
		),
		materializeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "materialize_duration_seconds",
				Help:      "Duration of materializations in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Wall-clock duration of sandboxed executions in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),
		actionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_failures_total",
				Help:      "Failed actions by error kind",
			},
			[]string{"kind"},
		),
		activeActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actions_running",
				Help:      "Sandboxed executions currently running",
			},
		),

		storeBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_bytes_total",
				Help:      "Bytes moved through the content store by operation",
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(
		m.cacheLookups,
		m.cacheInflight,
		m.materializeOps,
		m.materializeDuration,
		m.actionDuration,
		m.actionFailures,
		m.activeActions,
		m.storeBytes,
	)

	return m, nil
}

// Cache Metrics

// RecordCacheLookup counts one lookup with the given result.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheInflight sets the number of in-flight executions.
func (m *Metrics) SetCacheInflight(n int) {
	if m == nil || m.cacheInflight == nil {
		return
	}
	m.cacheInflight.Set(float64(n))
}

// Materializer Metrics

// RecordMaterialization records the delta applied by one materialization.
func (m *Metrics) RecordMaterialization(full bool, added, removed, changed int, duration time.Duration) {
	if m == nil || m.materializeOps == nil {
		return
	}
	mode := "incremental"
	if full {
		mode = "full"
	}
	m.materializeOps.WithLabelValues("add").Add(float64(added))
	m.materializeOps.WithLabelValues("remove").Add(float64(removed))
	m.materializeOps.WithLabelValues("change").Add(float64(changed))
	m.materializeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// Action Metrics

// ActionStarted marks the start of a sandboxed execution.
func (m *Metrics) ActionStarted() {
	if m == nil || m.activeActions == nil {
		return
	}
	m.activeActions.Inc()
}

// RecordAction records a finished sandboxed execution.
func (m *Metrics) RecordAction(backend string, duration time.Duration) {
	if m == nil || m.actionDuration == nil {
		return
	}
	m.actionDuration.WithLabelValues(backend).Observe(duration.Seconds())
	m.activeActions.Dec()
}

// RecordActionFailure counts a failed action by error kind.
func (m *Metrics) RecordActionFailure(kind string) {
	if m == nil || m.actionFailures == nil {
		return
	}
	m.actionFailures.WithLabelValues(kind).Inc()
}

// Store Metrics

// RecordStoreBytes counts bytes read or written through the content store.
func (m *Metrics) RecordStoreBytes(op string, n int64) {
	if m == nil || m.storeBytes == nil || n <= 0 {
		return
	}
	m.storeBytes.WithLabelValues(op).Add(float64(n))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics on the configured listen address and path
// until ctx is done. It returns immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || m.registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
