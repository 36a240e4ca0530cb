// Package metrics provides Prometheus metrics for the tree mirror.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treemirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Walk metrics
	walkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treemirror_walk_duration_seconds",
			Help:    "Time to walk the backend and build a snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	walksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_walks_total",
			Help: "Total walks by result (published, superseded, aborted, unavailable)",
		},
		[]string{"result"},
	)

	snapshotEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_snapshot_entries",
			Help: "Number of entries below the root of the published snapshot",
		},
	)

	snapshotGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_snapshot_generation",
			Help: "Generation of the published snapshot",
		},
	)

	// Subscription metrics
	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_subscribers_active",
			Help: "Number of registered change callbacks",
		},
	)

	timerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_refresh_timer_running",
			Help: "1 while the periodic refresh timer is running",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_notifications_total",
			Help: "Total change notification rounds by trigger",
		},
		[]string{"trigger"},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_mutations_total",
			Help: "Total mutation operations",
		},
		[]string{"operation", "status"},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treemirror_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_backend_operations_total",
			Help: "Total backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Push metrics
	streamConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_stream_connections_active",
			Help: "Number of active SSE and WebSocket connections",
		},
	)

	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_stream_events_total",
			Help: "Total events published to stream subscribers",
		},
		[]string{"type"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_auth_attempts_total",
			Help: "Total bearer token checks on mutation routes",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_rate_limit_hits_total",
			Help: "Total mutation requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWalk records a finished walk.
func RecordWalk(result string, duration time.Duration) {
	walksTotal.WithLabelValues(result).Inc()
	walkDuration.Observe(duration.Seconds())
}

// SetSnapshot records the size and generation of the published snapshot.
func SetSnapshot(entries int, generation uint64) {
	snapshotEntries.Set(float64(entries))
	snapshotGeneration.Set(float64(generation))
}

// SetSubscribersActive sets the number of registered callbacks.
func SetSubscribersActive(count int) {
	subscribersActive.Set(float64(count))
}

// SetTimerRunning records whether the refresh timer is running.
func SetTimerRunning(running bool) {
	if running {
		timerRunning.Set(1)
		return
	}
	timerRunning.Set(0)
}

// RecordNotification records one change notification round.
func RecordNotification(trigger string) {
	notificationsTotal.WithLabelValues(trigger).Inc()
}

// RecordMutation records a mutation outcome.
func RecordMutation(operation string, success bool) {
	mutationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordBackendOperation records a backend call.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// SetStreamConnectionsActive sets the number of active push connections.
func SetStreamConnectionsActive(count int64) {
	streamConnectionsActive.Set(float64(count))
}

// RecordStreamEvent records an event publication.
func RecordStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordAuthAttempt records a bearer token check.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
// Routes are labelled by pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
