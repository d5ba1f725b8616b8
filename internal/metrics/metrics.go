// Package metrics provides Prometheus metrics for the Cairo server.
package metrics

import (
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
			Name: "cairo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cairo_tree_nodes",
			Help: "Number of nodes in the versioned tree",
		},
	)

	treeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairo_tree_mutations_total",
			Help: "Total tree mutations by field",
		},
		[]string{"field", "status"},
	)

	resolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cairo_resolve_duration_seconds",
			Help:    "Time to resolve a snapshot at a version",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync metrics
	syncSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairo_sync_sessions_total",
			Help: "Total sync sessions by outcome",
		},
		[]string{"outcome"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cairo_sync_duration_seconds",
			Help:    "Sync session duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncChangesPulled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cairo_sync_changes_pulled_total",
			Help: "Total changes pulled from peers",
		},
	)

	syncChangesPushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cairo_sync_changes_pushed_total",
			Help: "Total changes pushed to peers",
		},
	)

	syncCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cairo_sync_collisions_total",
			Help: "Total collisions detected during sync",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairo_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Store metrics
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairo_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairo_store_operations_total",
			Help: "Total store operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetTreeNodes sets the current node count.
func SetTreeNodes(count int) {
	treeNodes.Set(float64(count))
}

// RecordMutation records a tree mutation.
func RecordMutation(field string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	treeMutationsTotal.WithLabelValues(field, status).Inc()
}

// RecordResolve records a snapshot resolution duration.
func RecordResolve(duration time.Duration) {
	resolveDuration.Observe(duration.Seconds())
}

// RecordSync records a completed sync session.
func RecordSync(outcome string, duration time.Duration, pulled, pushed, collisions int) {
	syncSessionsTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(duration.Seconds())
	syncChangesPulled.Add(float64(pulled))
	syncChangesPushed.Add(float64(pushed))
	syncCollisionsTotal.Add(float64(collisions))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordStoreOperation records a store backend operation.
func RecordStoreOperation(backend, operation string, duration time.Duration, success bool) {
	storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues(backend, operation, status).Inc()
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

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
