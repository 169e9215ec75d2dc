package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "yield_oracle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yield_oracle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "yield_oracle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	snapshotsLatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yield_oracle",
			Subsystem: "snapshots",
			Name:      "latched_total",
			Help:      "Total number of snapshots latched.",
		},
		[]string{"asset", "source"},
	)

	latchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yield_oracle",
			Subsystem: "snapshots",
			Name:      "latch_failures_total",
			Help:      "Total number of failed latch attempts.",
		},
		[]string{"asset"},
	)

	bufferCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "yield_oracle",
			Subsystem: "snapshots",
			Name:      "buffer_capacity",
			Help:      "Current ring buffer capacity per asset.",
		},
		[]string{"asset"},
	)

	refreshRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yield_oracle",
			Subsystem: "keeper",
			Name:      "refresh_runs_total",
			Help:      "Total number of refresh-all sweeps.",
		},
	)

	refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "yield_oracle",
			Subsystem: "keeper",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh-all sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	yieldQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yield_oracle",
			Subsystem: "aggregator",
			Name:      "queries_total",
			Help:      "Total number of yield computations.",
		},
		[]string{"asset", "status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		snapshotsLatched,
		latchFailures,
		bufferCapacity,
		refreshRuns,
		refreshDuration,
		yieldQueries,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLatch records a successful latch.
func RecordLatch(asset, source string) {
	snapshotsLatched.WithLabelValues(asset, source).Inc()
}

// RecordLatchFailure records a failed latch attempt.
func RecordLatchFailure(asset string) {
	latchFailures.WithLabelValues(asset).Inc()
}

// SetBufferCapacity tracks an asset's current ring capacity.
func SetBufferCapacity(asset string, capacity int) {
	bufferCapacity.WithLabelValues(asset).Set(float64(capacity))
}

// RecordRefresh records a refresh-all sweep.
func RecordRefresh(duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	refreshRuns.Inc()
	refreshDuration.Observe(duration.Seconds())
}

// RecordYieldQuery records the outcome of a yield computation.
func RecordYieldQuery(asset string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	yieldQueries.WithLabelValues(asset, status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streaming responses keep
// working through the instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards connection takeover when the underlying writer supports it.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "assets" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/assets"
	}
	if len(parts) == 2 {
		return "/assets/:asset"
	}
	return "/assets/:asset/" + parts[2]
}
