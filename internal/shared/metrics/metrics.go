package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	eventsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_appended_total",
		Help: "Total events committed to the event log",
	}, []string{"kind"})

	analysisRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_requests_total",
		Help: "Analysis requests by terminal outcome",
	}, []string{"outcome"})

	analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_duration_seconds",
		Help:    "Analysis duration from request to terminal state",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	analysisInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "analysis_inflight",
		Help: "Analyses currently dispatched to a worker",
	})

	analysisQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "analysis_queue_depth",
		Help: "Analyses waiting for a free worker slot",
	})

	eventLogReadOnly = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_log_read_only",
		Help: "1 when the event log refuses writes after a failed continuity check",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route pattern, method and status",
	}, []string{"route", "method", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	httpPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_panics_total",
		Help: "Handler panics recovered by the router",
	})

	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"group"})
)

func init() {
	registry.MustRegister(
		eventsAppendedTotal,
		analysisRequestsTotal,
		analysisDuration,
		analysisInflight,
		analysisQueueDepth,
		eventLogReadOnly,
		httpRequestsTotal,
		httpRequestDuration,
		httpPanicsTotal,
		rateLimitedTotal,
		prometheus.NewGoCollector(),
	)
}

// IncEventsAppended increments the appended counter for an event kind.
func IncEventsAppended(kind string) {
	eventsAppendedTotal.WithLabelValues(kind).Inc()
}

// IncAnalysisOutcome records a terminal analysis outcome (completed, timed_out, failed).
func IncAnalysisOutcome(outcome string) {
	analysisRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysisDuration records how long an analysis took.
func ObserveAnalysisDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	analysisDuration.Observe(d.Seconds())
}

// AddInflight adjusts the in-flight gauge.
func AddInflight(delta float64) {
	analysisInflight.Add(delta)
}

// AddQueueDepth adjusts the queued gauge.
func AddQueueDepth(delta float64) {
	analysisQueueDepth.Add(delta)
}

// SetReadOnly flags the event log as read-only.
func SetReadOnly(readOnly bool) {
	if readOnly {
		eventLogReadOnly.Set(1)
		return
	}
	eventLogReadOnly.Set(0)
}

// ObserveHTTPRequest records one served request. route must be the pattern,
// never the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncPanics counts a recovered handler panic.
func IncPanics() {
	httpPanicsTotal.Inc()
}

// IncRateLimited counts a request rejected for the given limiter group.
func IncRateLimited(group string) {
	rateLimitedTotal.WithLabelValues(group).Inc()
}

// Registry exposes the collector registry for tests and embedding.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
