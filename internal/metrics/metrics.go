package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts gateway HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency, including streamed responses
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harness_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsDecoded counts typed events produced from stream frames
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_events_decoded_total",
			Help: "Total number of typed events decoded from stream frames",
		},
		[]string{"type"},
	)

	// FramesDropped counts frames whose payload was not a known event
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_frames_dropped_total",
			Help: "Total number of stream frames dropped by the event adapter",
		},
		[]string{"reason"},
	)

	// ActiveExecutions tracks running agent loops
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harness_active_executions",
			Help: "Number of running executions",
		},
	)

	// ExecutionDuration tracks how long executions run, by outcome
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harness_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// LoopIterations tracks tool-dispatch rounds per execution
	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harness_loop_iterations",
			Help:    "Tool dispatch rounds per execution",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	// ToolCalls tracks registry invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// ReplayDrops counts followers that asked for frames already evicted from a replay buffer
	ReplayDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harness_replay_buffer_drops_total",
			Help: "Total number of stream followers that missed evicted frames",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and hijacking.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses execution ids to keep label cardinality low.
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/v1/ws", "/v1/execute/stream":
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/v1/executions/"); ok {
		if _, action, found := strings.Cut(rest, "/"); found {
			return "/v1/executions/{id}/" + action
		}
		return "/v1/executions/{id}"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecutionStart increments the active execution gauge
func RecordExecutionStart() {
	ActiveExecutions.Inc()
}

// RecordExecutionEnd decrements the active gauge and records the outcome
func RecordExecutionEnd(outcome string, iterations int, d time.Duration) {
	ActiveExecutions.Dec()
	ExecutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	LoopIterations.Observe(float64(iterations))
}

// RecordToolCall records a registry invocation
func RecordToolCall(tool string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	ToolCalls.WithLabelValues(tool, status).Inc()
}
