package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Metrics provides Prometheus metrics for device sessions. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	sessionPasses     prometheus.Histogram
	activeSessions    prometheus.Gauge

	// Transport metrics
	transportCalls    *prometheus.CounterVec
	transportPaths    *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
	transportErrors   *prometheus.CounterVec

	// Rule metrics
	ruleFaults   *prometheus.CounterVec
	writesDenied prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of device sessions started",
			},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of device sessions finished, by status",
			},
			[]string{"status"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of device sessions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		sessionPasses: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_passes",
				Help:      "Number of passes run per session",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of sessions in progress",
			},
		),

		transportCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_calls_total",
				Help:      "Total number of batched transport calls",
			},
			[]string{"operation"},
		),
		transportPaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_paths_total",
				Help:      "Total number of parameter paths carried by transport calls",
			},
			[]string{"operation"},
		),
		transportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_call_duration_seconds",
				Help:      "Duration of transport calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Total number of failed transport calls, by error class",
			},
			[]string{"operation", "class"},
		),

		ruleFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_faults_total",
				Help:      "Total number of rule unit faults",
			},
			[]string{"rule"},
		),
		writesDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_denied_total",
				Help:      "Total number of writes denied by the write guard",
			},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.sessionPasses,
		m.activeSessions,
		m.transportCalls,
		m.transportPaths,
		m.transportDuration,
		m.transportErrors,
		m.ruleFaults,
		m.writesDenied,
	)

	return m, nil
}

// SessionStarted implements engine.Observer.
func (m *Metrics) SessionStarted() {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// SessionFinished implements engine.Observer.
func (m *Metrics) SessionFinished(status string, passes int, duration time.Duration) {
	if m.sessionsCompleted == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(status).Inc()
	m.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.sessionPasses.Observe(float64(passes))
	m.activeSessions.Dec()
}

// TransportCall implements engine.Observer.
func (m *Metrics) TransportCall(op string, paths int, duration time.Duration, err error) {
	if m.transportCalls == nil {
		return
	}
	m.transportCalls.WithLabelValues(op).Inc()
	m.transportPaths.WithLabelValues(op).Add(float64(paths))
	m.transportDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.transportErrors.WithLabelValues(op, errorClass(err)).Inc()
	}
}

// RuleFault implements engine.Observer.
func (m *Metrics) RuleFault(rule string) {
	if m.ruleFaults == nil {
		return
	}
	m.ruleFaults.WithLabelValues(rule).Inc()
}

// WritesDenied implements engine.Observer.
func (m *Metrics) WritesDenied(n int) {
	if m.writesDenied == nil {
		return
	}
	m.writesDenied.Add(float64(n))
}

var _ engine.Observer = (*Metrics)(nil)

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer starts an HTTP server exposing metrics until ctx is
// cancelled. It does nothing when metrics are disabled or no listen address
// is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
