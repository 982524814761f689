package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values shared by the plugin and bridge metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeFallback = "fallback"
	OutcomeDisabled = "disabled"
	OutcomeDenied   = "denied"

	// OutcomePolicyError marks a command refused because its policy could not be evaluated.
	OutcomePolicyError = "policy_error"
)

// Metrics provides Prometheus metrics for the plugin host.
type Metrics struct {
	config MetricsConfig

	// Plugin entry point metrics
	pluginCalls     *prometheus.CounterVec
	pluginDuration  *prometheus.HistogramVec
	filterFallbacks *prometheus.CounterVec

	// Lifecycle metrics
	initializations *prometheus.CounterVec
	livePlugins     prometheus.Gauge

	// Host function metrics
	bridgeInvocations *prometheus.CounterVec
	bridgeDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose recording methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin entry point calls",
			},
			[]string{"plugin", "entry_point", "outcome"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin entry point calls in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "entry_point"},
		),
		filterFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_fallbacks_total",
				Help:      "Queries answered from the cached item list instead of the plugin",
			},
			[]string{"plugin"},
		),
		initializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_initializations_total",
				Help:      "Plugin initializations by result (created, cached, failed)",
			},
			[]string{"plugin", "result"},
		),
		livePlugins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_plugins",
				Help:      "Current number of live plugin instances",
			},
		),
		bridgeInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cli_run_invocations_total",
				Help:      "Total number of cli_run host function invocations",
			},
			[]string{"plugin", "outcome"},
		),
		bridgeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cli_run_duration_seconds",
				Help:      "Duration of external commands run through cli_run in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin"},
		),
	}

	registry.MustRegister(
		m.pluginCalls,
		m.pluginDuration,
		m.filterFallbacks,
		m.initializations,
		m.livePlugins,
		m.bridgeInvocations,
		m.bridgeDuration,
	)

	return m, nil
}

// RecordPluginCall records a call into a plugin entry point.
func (m *Metrics) RecordPluginCall(plugin, entryPoint, outcome string, duration time.Duration) {
	if m == nil || m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, entryPoint, outcome).Inc()
	m.pluginDuration.WithLabelValues(plugin, entryPoint).Observe(duration.Seconds())
}

// RecordFilterFallback records a query answered from the item cache.
func (m *Metrics) RecordFilterFallback(plugin string) {
	if m == nil || m.filterFallbacks == nil {
		return
	}
	m.filterFallbacks.WithLabelValues(plugin).Inc()
}

// RecordInitialization records the result of an initialize request.
func (m *Metrics) RecordInitialization(plugin, result string) {
	if m == nil || m.initializations == nil {
		return
	}
	m.initializations.WithLabelValues(plugin, result).Inc()
}

// SetLivePlugins sets the current number of live plugin instances.
func (m *Metrics) SetLivePlugins(count int) {
	if m == nil || m.livePlugins == nil {
		return
	}
	m.livePlugins.Set(float64(count))
}

// RecordBridgeInvocation records a cli_run invocation.
func (m *Metrics) RecordBridgeInvocation(plugin, outcome string, duration time.Duration) {
	if m == nil || m.bridgeInvocations == nil {
		return
	}
	m.bridgeInvocations.WithLabelValues(plugin, outcome).Inc()
	if duration > 0 {
		m.bridgeDuration.WithLabelValues(plugin).Observe(duration.Seconds())
	}
}

// Registry returns the prometheus registry, or nil when metrics are disabled.
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

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server may be shut down by the caller; it is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return server
}
