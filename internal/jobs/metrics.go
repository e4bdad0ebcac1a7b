package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for recalculation runs and their side effects.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	periods      *prometheus.CounterVec
	auditDropped *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObservePeriod counts one period attempt by outcome.
func (m *Metrics) ObservePeriod(status string) {
	if m == nil || status == "" {
		return
	}
	m.periods.WithLabelValues(status).Inc()
}

// AuditDropped counts an audit entry abandoned after its retries.
func (m *Metrics) AuditDropped(action string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.auditDropped.WithLabelValues(action).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baseline_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baseline_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "baseline_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	periods := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baseline_period_calculations_total",
		Help: "Period calculation attempts grouped by outcome.",
	}, []string{"status"})
	auditDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baseline_audit_dropped_total",
		Help: "Audit entries dropped after exhausting retries.",
	}, []string{"action"})
	registerer.MustRegister(runs, failures, duration, periods, auditDropped)
	return &Metrics{runs: runs, failures: failures, duration: duration, periods: periods, auditDropped: auditDropped}
}
