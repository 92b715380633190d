package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for launches and trials. Every Record
// method is a no-op on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	// Launch metrics
	launches       *prometheus.CounterVec
	launchDuration *prometheus.HistogramVec

	// Trial metrics
	trialsStarted   *prometheus.CounterVec
	trialsCompleted *prometheus.CounterVec
	trialDuration   *prometheus.HistogramVec
	activeTrials    prometheus.Gauge

	// Consolidation and snapshots
	entriesMoved  *prometheus.CounterVec
	snapshotSaves *prometheus.CounterVec

	// Registry metrics
	registryBuilds   *prometheus.CounterVec
	registryWarnings *prometheus.CounterVec

	// Policy and error metrics
	policyViolations *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.TrialBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Total number of launches by mode and result",
			},
			[]string{"mode", "result"},
		),
		launchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "launch_duration_seconds",
				Help:      "Duration of a launch from configure to done in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		trialsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trials_started_total",
				Help:      "Total number of trials started",
			},
			[]string{"experiment"},
		),
		trialsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trials_completed_total",
				Help:      "Total number of trials completed by status",
			},
			[]string{"status"},
		),
		trialDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trial_duration_seconds",
				Help:      "Duration of trial execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeTrials: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_trials",
				Help:      "Current number of running trials",
			},
		),

		entriesMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consolidation_entries_moved_total",
				Help:      "Entries moved from the scratch root into the log root",
			},
			[]string{"kind"},
		),
		snapshotSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_saves_total",
				Help:      "Project snapshot saves by result",
			},
			[]string{"result"},
		),

		registryBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_builds_total",
				Help:      "Registry builds by category and result",
			},
			[]string{"category", "result"},
		),
		registryWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_warnings_total",
				Help:      "Registry warnings by kind",
			},
			[]string{"kind"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Launch policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of launcher errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.launches,
		m.launchDuration,
		m.trialsStarted,
		m.trialsCompleted,
		m.trialDuration,
		m.activeTrials,
		m.entriesMoved,
		m.snapshotSaves,
		m.registryBuilds,
		m.registryWarnings,
		m.policyViolations,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordLaunch records a finished launch.
func (m *Metrics) RecordLaunch(mode, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.launches.WithLabelValues(mode, result).Inc()
	m.launchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordTrialStarted increments the started trials and the active gauge.
func (m *Metrics) RecordTrialStarted(experiment string) {
	if !m.enabled() {
		return
	}
	m.trialsStarted.WithLabelValues(experiment).Inc()
	m.activeTrials.Inc()
}

// RecordTrialCompleted records a finished trial.
func (m *Metrics) RecordTrialCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.trialsCompleted.WithLabelValues(status).Inc()
	m.trialDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTrials.Dec()
}

// RecordEntriesMoved adds n consolidated entries of the given kind
// ("trials" or "files").
func (m *Metrics) RecordEntriesMoved(kind string, n int) {
	if !m.enabled() || n == 0 {
		return
	}
	m.entriesMoved.WithLabelValues(kind).Add(float64(n))
}

// RecordSnapshotSave records a project snapshot save.
func (m *Metrics) RecordSnapshotSave(err error) {
	if !m.enabled() {
		return
	}
	m.snapshotSaves.WithLabelValues(result(err)).Inc()
}

// RecordRegistryBuild records a registry build.
func (m *Metrics) RecordRegistryBuild(category string, err error) {
	if !m.enabled() {
		return
	}
	m.registryBuilds.WithLabelValues(category, result(err)).Inc()
}

// RecordRegistryWarning records a registry warning.
func (m *Metrics) RecordRegistryWarning(kind string) {
	if !m.enabled() {
		return
	}
	m.registryWarnings.WithLabelValues(kind).Inc()
}

// RecordPolicyViolation records a launch policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if !m.enabled() {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordError records a launcher error code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. The listen
// address is bound before returning so a port clash is reported to the
// caller.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Str("path", path).Msg("Metrics server listening")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
