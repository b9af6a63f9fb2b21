// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	stepsTotal                 *prometheus.CounterVec
	crashRetriesTotal          *prometheus.CounterVec
	robotsRetriesTotal         prometheus.Counter
	pacingDelaySeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	snapshotsTotal             prometheus.Counter
	snapshotBytesTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlindex_fetches_total",
				Help: "Fetches dispatched, labeled by site and outcome (ok, skip, fatal).",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlindex_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		stepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlindex_steps_total",
				Help: "Scheduler steps completed, labeled by final document status.",
			},
			[]string{"status"},
		)

		crashRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlindex_fetcher_crash_retries_total",
				Help: "Fetcher reinitializations after a transient failure, labeled by browse mode.",
			},
			[]string{"mode"},
		)

		robotsRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlindex_robots_retries_total",
				Help: "Retried robots.txt requests after a TLS handshake or timeout failure.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlindex_pacing_delay_seconds",
				Help:    "Time waited for a domain fetch slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlindex_active_workers",
				Help: "Number of workers currently processing a document.",
			},
		)

		snapshotsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlindex_snapshots_total",
				Help: "Sanitized page snapshots written to blob storage.",
			},
		)

		snapshotBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlindex_snapshot_bytes_total",
				Help: "Bytes written to blob storage by the snapshot hook.",
			},
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

// SanitizeSite extracts a lowercase hostname for use as a label value.
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
	return promhttp.Handler()
}

// ObserveFetch records a dispatched fetch.
func ObserveFetch(site, outcome string, bytesFetched int) {
	if fetchesTotal == nil {
		return
	}
	s := SanitizeSite(site)
	fetchesTotal.WithLabelValues(s, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(s).Add(float64(bytesFetched))
	}
}

// ObserveStep records the final status of a scheduler step.
func ObserveStep(status string) {
	if stepsTotal == nil {
		return
	}
	stepsTotal.WithLabelValues(status).Inc()
}

// ObserveCrashRetry records a fetcher reinitialization.
func ObserveCrashRetry(mode string) {
	if crashRetriesTotal == nil {
		return
	}
	crashRetriesTotal.WithLabelValues(mode).Inc()
}

// ObserveRobotsRetry records a retried robots.txt request.
func ObserveRobotsRetry() {
	if robotsRetriesTotal == nil {
		return
	}
	robotsRetriesTotal.Inc()
}

// ObservePacingDelay records the wait for a domain fetch slot.
func ObservePacingDelay(site string, d time.Duration) {
	if pacingDelaySeconds == nil {
		return
	}
	pacingDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObserveSnapshot records a stored snapshot of n bytes.
func ObserveSnapshot(n int) {
	if snapshotsTotal == nil {
		return
	}
	snapshotsTotal.Inc()
	snapshotBytesTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
