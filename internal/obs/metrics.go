package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Refresh pipeline metrics.
var (
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_pipeline_runs_total",
			Help: "Completed refresh pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_subscribers_processed_total",
		Help: "Subscriber iterations attempted across all runs.",
	})

	pipelineChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_changes_published_total",
		Help: "Presence changes persisted and published.",
	})

	pipelineConsentSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consent_required_skips_total",
		Help: "Subscriber iterations skipped because re-consent is required.",
	})

	pipelinePublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_publish_failures_total",
		Help: "Publishes that failed after the snapshot was persisted.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		pipelineRuns, pipelineSubscribers, pipelineChanges,
		pipelineConsentSkips, pipelinePublishFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// RecordRun counts one pipeline run with its outcome label ("ok" or "error").
func RecordRun(outcome string) { pipelineRuns.WithLabelValues(outcome).Inc() }

// RecordSubscriber counts one attempted subscriber iteration.
func RecordSubscriber() { pipelineSubscribers.Inc() }

// RecordChange counts one persisted-and-published presence change.
func RecordChange() { pipelineChanges.Inc() }

// RecordConsentSkip counts one consent-required skip.
func RecordConsentSkip() { pipelineConsentSkips.Inc() }

// RecordPublishFailure counts a publish that failed after a successful persist.
func RecordPublishFailure() { pipelinePublishFailures.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-user path segments so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/presence/"); ok {
		switch {
		case strings.HasSuffix(rest, "/last") && strings.Count(rest, "/") == 1:
			return "/v1/presence/:user/last"
		case strings.HasSuffix(rest, "/live") && strings.Count(rest, "/") == 1:
			return "/v1/presence/:user/live"
		}
	}
	return path
}

// statusWriter records the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
