package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "securevod"

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// packaging attempts, job outcomes, the outbox and the packaging worker.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	throttled    prometheus.Counter

	packagingAttempts *prometheus.CounterVec
	jobOutcomes       *prometheus.CounterVec
	activeJobs        prometheus.Gauge
	enqueueFailures   prometheus.Counter
	outboxDispatched  prometheus.Counter
	queueDepth        prometheus.Gauge

	packagerRuns     *prometheus.CounterVec
	packagerDuration prometheus.Histogram
	packagerActive   prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with its own registry so tests and multiple
// servers in one process do not collide.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_throttled_total",
			Help:      "License requests rejected by the per-client rate limit.",
		}),
		packagingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packaging_attempts_total",
			Help:      "Packaging HTTP attempts by result kind.",
		}, []string{"result"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished packaging jobs by outcome.",
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Packaging jobs currently running.",
		}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Job submissions that failed and were left to the outbox.",
		}),
		outboxDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dispatched_total",
			Help:      "Outbox entries republished by the dispatcher.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbox entries awaiting dispatch at the last poll.",
		}),
		packagerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packager_runs_total",
			Help:      "Packaging command executions by status.",
		}, []string{"status"}),
		packagerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "packager_run_duration_seconds",
			Help:      "Packaging command wall time.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		packagerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packager_runs_active",
			Help:      "Packaging commands currently executing.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.throttled,
		r.packagingAttempts,
		r.jobOutcomes,
		r.activeJobs,
		r.enqueueFailures,
		r.outboxDispatched,
		r.queueDepth,
		r.packagerRuns,
		r.packagerDuration,
		r.packagerActive,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry for custom collectors and tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// LicenseThrottled counts a license request rejected by the rate limit.
func (r *Recorder) LicenseThrottled() {
	r.throttled.Inc()
}

// PackagingAttempt counts one call to the packaging worker.
func (r *Recorder) PackagingAttempt(result string) {
	r.packagingAttempts.WithLabelValues(normalizeName(result)).Inc()
}

// JobStarted increments the active job gauge.
func (r *Recorder) JobStarted() {
	r.activeJobs.Inc()
}

// JobFinished decrements the active job gauge and counts the outcome.
func (r *Recorder) JobFinished(outcome string) {
	r.activeJobs.Dec()
	r.jobOutcomes.WithLabelValues(normalizeName(outcome)).Inc()
}

// EnqueueFailed counts a submission that could not be published.
func (r *Recorder) EnqueueFailed() {
	r.enqueueFailures.Inc()
}

// OutboxDispatched counts republished outbox entries.
func (r *Recorder) OutboxDispatched(n int) {
	if n > 0 {
		r.outboxDispatched.Add(float64(n))
	}
}

// SetOutboxPending records the outbox backlog seen at the last poll.
func (r *Recorder) SetOutboxPending(n int) {
	r.queueDepth.Set(float64(n))
}

// PackagerRunStarted increments the executing command gauge.
func (r *Recorder) PackagerRunStarted() {
	r.packagerActive.Inc()
}

// PackagerRunFinished records the result of one packaging command.
func (r *Recorder) PackagerRunFinished(status string, duration time.Duration) {
	r.packagerActive.Dec()
	r.packagerRuns.WithLabelValues(normalizeName(status)).Inc()
	r.packagerDuration.Observe(duration.Seconds())
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	for _, r := range segment {
		if r < '0' || r > '9' {
			return len(segment) >= 16
		}
	}
	return true
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
