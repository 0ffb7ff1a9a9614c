package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the gateway.
type Metrics struct {
	config MetricsConfig

	// Native call metrics
	nativeCalls    *prometheus.CounterVec
	nativeDuration *prometheus.HistogramVec
	nativeErrors   *prometheus.CounterVec

	// Proxy metrics
	adapterConstructions *prometheus.CounterVec
	adapterCacheHits     *prometheus.CounterVec
	versionWarnings      *prometheus.CounterVec

	// Waiter metrics
	waiterPolls    *prometheus.CounterVec
	waiterTimeouts *prometheus.CounterVec

	// Validation metrics
	validationFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every Record method is a no-op on this instance.
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

		nativeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "native_calls_total",
				Help:      "Total number of calls made to backend native clients",
			},
			[]string{"backend", "subtype", "operation"},
		),
		nativeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "native_call_duration_seconds",
				Help:      "Duration of backend native calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "subtype", "operation"},
		),
		nativeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "native_errors_total",
				Help:      "Total number of failed native calls by canonical error kind",
			},
			[]string{"backend", "subtype", "operation", "kind"},
		),

		adapterConstructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_constructions_total",
				Help:      "Total number of adapter instances constructed",
			},
			[]string{"backend", "subtype"},
		),
		adapterCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_cache_hits_total",
				Help:      "Total number of adapter lookups served from the session cache",
			},
			[]string{"backend", "subtype"},
		),
		versionWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_version_warnings_total",
				Help:      "Total number of adapters loaded with a minor API version mismatch",
			},
			[]string{"backend", "subtype"},
		),

		waiterPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waiter_polls_total",
				Help:      "Total number of state convergence polls",
			},
			[]string{"backend", "subtype"},
		),
		waiterTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waiter_timeouts_total",
				Help:      "Total number of state convergence waits that timed out",
			},
			[]string{"backend", "subtype"},
		),

		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of entities rejected by restriction rules",
			},
			[]string{"kind", "rule"},
		),
	}

	registry.MustRegister(
		m.nativeCalls,
		m.nativeDuration,
		m.nativeErrors,
		m.adapterConstructions,
		m.adapterCacheHits,
		m.versionWarnings,
		m.waiterPolls,
		m.waiterTimeouts,
		m.validationFailures,
	)

	return m, nil
}

// Native Call Metrics

// RecordNativeCall records a native call with its duration.
func (m *Metrics) RecordNativeCall(backend, subtype, operation string, duration time.Duration) {
	if m == nil || m.nativeCalls == nil {
		return
	}
	m.nativeCalls.WithLabelValues(backend, subtype, operation).Inc()
	m.nativeDuration.WithLabelValues(backend, subtype, operation).Observe(duration.Seconds())
}

// RecordNativeError records a failed native call by canonical kind.
func (m *Metrics) RecordNativeError(backend, subtype, operation, kind string) {
	if m == nil || m.nativeErrors == nil {
		return
	}
	m.nativeErrors.WithLabelValues(backend, subtype, operation, kind).Inc()
}

// Proxy Metrics

// RecordAdapterConstruction records a newly constructed adapter.
func (m *Metrics) RecordAdapterConstruction(backend, subtype string) {
	if m == nil || m.adapterConstructions == nil {
		return
	}
	m.adapterConstructions.WithLabelValues(backend, subtype).Inc()
}

// RecordAdapterCacheHit records an adapter lookup served from the cache.
func (m *Metrics) RecordAdapterCacheHit(backend, subtype string) {
	if m == nil || m.adapterCacheHits == nil {
		return
	}
	m.adapterCacheHits.WithLabelValues(backend, subtype).Inc()
}

// RecordVersionWarning records an adapter loaded with a minor version mismatch.
func (m *Metrics) RecordVersionWarning(backend, subtype string) {
	if m == nil || m.versionWarnings == nil {
		return
	}
	m.versionWarnings.WithLabelValues(backend, subtype).Inc()
}

// Waiter Metrics

// RecordWaiterPoll records one convergence poll.
func (m *Metrics) RecordWaiterPoll(backend, subtype string) {
	if m == nil || m.waiterPolls == nil {
		return
	}
	m.waiterPolls.WithLabelValues(backend, subtype).Inc()
}

// RecordWaiterTimeout records a convergence wait that timed out.
func (m *Metrics) RecordWaiterTimeout(backend, subtype string) {
	if m == nil || m.waiterTimeouts == nil {
		return
	}
	m.waiterTimeouts.WithLabelValues(backend, subtype).Inc()
}

// Validation Metrics

// RecordValidationFailure records an entity rejected by a restriction rule.
func (m *Metrics) RecordValidationFailure(kind, rule string) {
	if m == nil || m.validationFailures == nil {
		return
	}
	m.validationFailures.WithLabelValues(kind, rule).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best effort; the gateway keeps running.
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}
