// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTierTotal             *prometheus.CounterVec
	fetchTierDurationSeconds   *prometheus.HistogramVec
	postingsTotal              *prometheus.CounterVec
	llmRequestsTotal           *prometheus.CounterVec
	llmDurationSeconds         *prometheus.HistogramVec
	pipelineStageSeconds       *prometheus.HistogramVec
	taskRetriesTotal           prometheus.Counter
	staleSweptTotal            prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTierTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobintake_fetch_tier_total",
				Help: "Fetch tier attempts, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		fetchTierDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobintake_fetch_tier_duration_seconds",
				Help:    "Fetch tier latency, labeled by tier.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tier"},
		)

		postingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobintake_postings_total",
				Help: "Postings written by the pipeline, labeled by final status.",
			},
			[]string{"status"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobintake_llm_requests_total",
				Help: "Structured extraction calls, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		llmDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobintake_llm_duration_seconds",
				Help:    "Structured extraction latency, labeled by provider.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"provider"},
		)

		pipelineStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobintake_pipeline_stage_duration_seconds",
				Help:    "Pipeline stage latency, labeled by stage.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		taskRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobintake_task_retries_total",
				Help: "Tasks re-enqueued after a failure.",
			},
		)

		staleSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobintake_stale_postings_swept_total",
				Help: "Postings moved from processing to failed by the stale sweep.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobintake_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobintake_rate_limit_delays_seconds",
				Help:    "Histogram of proxy rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetchTier records one tier attempt.
func ObserveFetchTier(tier, outcome string, duration time.Duration) {
	Init()
	fetchTierTotal.WithLabelValues(tier, outcome).Inc()
	fetchTierDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObservePosting records a final pipeline status.
func ObservePosting(status string) {
	Init()
	postingsTotal.WithLabelValues(status).Inc()
}

// ObserveLLM records one completion call.
func ObserveLLM(provider, outcome string, duration time.Duration) {
	Init()
	llmRequestsTotal.WithLabelValues(provider, outcome).Inc()
	llmDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	pipelineStageSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncTaskRetries counts a re-enqueued task.
func IncTaskRetries() {
	Init()
	taskRetriesTotal.Inc()
}

// AddStaleSwept counts postings failed by the stale sweep.
func AddStaleSwept(n int) {
	Init()
	staleSweptTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
