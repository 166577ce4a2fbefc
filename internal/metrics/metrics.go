// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xmirror"

// Fetch outcomes per account
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeSkipped     = "skipped"
)

// Metrics holds every collector registered by the service
type Metrics struct {
	registry *prometheus.Registry

	fetchAccounts *prometheus.CounterVec
	fetchedTweets prometheus.Counter
	taskEvents    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	mediaFiles    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	releasedBytes prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchAccounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_accounts_total",
			Help:      "Accounts processed by fetch runs, by outcome.",
		}, []string{"outcome"}),
		fetchedTweets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_tweets_total",
			Help:      "New tweets stored by fetch runs.",
		}),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Lease transitions per task: granted, denied_running, denied_retry_wait, succeeded, failed.",
		}, []string{"task", "event"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"task"}),
		mediaFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_files_total",
			Help:      "Media items processed by the cache, by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_evictions_total",
			Help:      "Evicted media assets, by phase.",
		}, []string{"phase"}),
		releasedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_released_bytes_total",
			Help:      "Bytes released by media eviction.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetchAccounts,
		m.fetchedTweets,
		m.taskEvents,
		m.taskDuration,
		m.mediaFiles,
		m.evictions,
		m.releasedBytes,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FetchAccount counts one processed account
func (m *Metrics) FetchAccount(outcome string) {
	if m == nil {
		return
	}
	m.fetchAccounts.WithLabelValues(outcome).Inc()
}

// FetchedTweets adds newly stored tweets
func (m *Metrics) FetchedTweets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fetchedTweets.Add(float64(n))
}

// TaskEvent counts a lease transition
func (m *Metrics) TaskEvent(task, event string) {
	if m == nil {
		return
	}
	m.taskEvents.WithLabelValues(task, event).Inc()
}

// TaskDuration observes how long a run took
func (m *Metrics) TaskDuration(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// MediaFiles counts cached and failed media items
func (m *Metrics) MediaFiles(cached, failed int) {
	if m == nil {
		return
	}
	if cached > 0 {
		m.mediaFiles.WithLabelValues("cached").Add(float64(cached))
	}
	if failed > 0 {
		m.mediaFiles.WithLabelValues("failed").Add(float64(failed))
	}
}

// Evictions records one cleanup pass
func (m *Metrics) Evictions(ttl, capacity int, released int64) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues("ttl").Add(float64(ttl))
	m.evictions.WithLabelValues("capacity").Add(float64(capacity))
	if released > 0 {
		m.releasedBytes.Add(float64(released))
	}
}

// HTTPRequest records one served request
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
