package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	HubSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "colony_hub_sessions",
			Help: "Number of live hub sessions",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_jobs_submitted_total",
			Help: "Total number of job submissions accepted",
		},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_job_retries_total",
			Help: "Total number of job retry transitions",
		},
	)

	JobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_jobs_dead_lettered_total",
			Help: "Total number of jobs that exhausted their retries",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_dispatch_latency_seconds",
			Help:    "Time from submission to assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Enrollment metrics
	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_enrollments_total",
			Help: "Total number of enrollment decisions by outcome",
		},
		[]string{"outcome"},
	)

	CertificatesRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_certificates_revoked_total",
			Help: "Total number of revoked certificates",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colony_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(HubSessions)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(EnrollmentsTotal)
	prometheus.MustRegister(CertificatesRevoked)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
