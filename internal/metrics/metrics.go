package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the recording service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge

	// Fragment metrics
	FragmentsAccepted prometheus.Counter
	FragmentSize      prometheus.Histogram

	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	StepDuration     *prometheus.HistogramVec
	StepFailures     *prometheus.CounterVec
	SummaryFallbacks prometheus.Counter
	QueueDepth       prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "minutes_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_sessions_rejected_total",
			Help: "Total number of rejected session starts by reason",
		}, []string{"reason"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "minutes_active_sessions",
			Help: "Current number of sessions held in the registry",
		}),

		FragmentsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "minutes_fragments_accepted_total",
			Help: "Total number of audio fragments accepted",
		}),
		FragmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "minutes_fragment_size_bytes",
			Help:    "Size of accepted audio fragments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"outcome"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "minutes_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minutes_pipeline_step_duration_seconds",
			Help:    "Duration of individual pipeline steps",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7 minutes
		}, []string{"step"}),
		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_pipeline_step_failures_total",
			Help: "Total number of failed pipeline steps",
		}, []string{"step"}),
		SummaryFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "minutes_summary_fallbacks_total",
			Help: "Total number of runs that used the fallback summary",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "minutes_pipeline_queue_depth",
			Help: "Current number of sessions waiting for a pipeline worker",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minutes_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionRejected counts a refused start under a stable reason label.
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordFragment(size int64) {
	if m == nil {
		return
	}
	m.FragmentsAccepted.Inc()
	m.FragmentSize.Observe(float64(size))
}

// RecordStep records the duration of one pipeline step and counts failures.
func (m *Metrics) RecordStep(step string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	if !success {
		m.StepFailures.WithLabelValues(step).Inc()
	}
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(success, fallbackUsed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(d.Seconds())
	if fallbackUsed {
		m.SummaryFallbacks.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
