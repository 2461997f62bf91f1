package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Foundry daemon. A disabled
// configuration yields a no-op instance; every recorder guards for that.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	stateTransitions *prometheus.CounterVec
	versionsSaved    prometheus.Counter

	// Job metrics
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Attention metrics
	attentionScans   *prometheus.CounterVec
	attentionEntries prometheus.Gauge

	// Compliance metrics
	complianceEvals *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of configuration state transitions",
			},
			[]string{"from", "to"},
		),
		versionsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "versions_saved_total",
				Help:      "Total number of configuration versions saved",
			},
		),

		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs submitted to the coordinator",
			},
			[]string{"action"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs that reached a terminal result",
			},
			[]string{"action", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of jobs from submission to terminal result",
				Buckets:   buckets,
			},
			[]string{"action", "result"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of in-flight jobs",
			},
		),

		attentionScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attention_scans_total",
				Help:      "Total number of needs-attention view computations",
			},
			[]string{"degraded"},
		),
		attentionEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attention_entries",
				Help:      "Entry count of the most recent needs-attention view",
			},
		),

		complianceEvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compliance_evaluations_total",
				Help:      "Total number of compliance profile evaluations",
			},
			[]string{"profile", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.stateTransitions,
		m.versionsSaved,
		m.jobsSubmitted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.attentionScans,
		m.attentionEntries,
		m.complianceEvals,
		m.errorsByClass,
	)

	return m, nil
}

// RecordTransition records one state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordVersionSaved increments the saved-version counter.
func (m *Metrics) RecordVersionSaved() {
	if m == nil || m.versionsSaved == nil {
		return
	}
	m.versionsSaved.Inc()
}

// RecordJobSubmitted records an admitted job.
func (m *Metrics) RecordJobSubmitted(action string) {
	if m == nil || m.jobsSubmitted == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(action).Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a job reaching a terminal result.
func (m *Metrics) RecordJobCompleted(action, result string, seconds float64) {
	if m == nil || m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(action, result).Inc()
	m.jobDuration.WithLabelValues(action, result).Observe(seconds)
	m.activeJobs.Dec()
}

// RecordAttentionScan records one needs-attention view computation.
func (m *Metrics) RecordAttentionScan(entries int, degraded bool) {
	if m == nil || m.attentionScans == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	m.attentionScans.WithLabelValues(label).Inc()
	m.attentionEntries.Set(float64(entries))
}

// RecordComplianceEvaluation records a compliance profile evaluation.
func (m *Metrics) RecordComplianceEvaluation(profile string, passed bool) {
	if m == nil || m.complianceEvals == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.complianceEvals.WithLabelValues(profile, result).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// Server returns an HTTP server exposing the metrics endpoint, or nil when
// metrics are disabled. The caller owns the server lifecycle.
func (m *Metrics) Server() *http.Server {
	if !m.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
