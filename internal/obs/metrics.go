package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the ops API.
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

// Reconciliation metrics.
var (
	reconPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_passes_total",
			Help: "Reconciliation passes started, by mode (full|targeted).",
		},
		[]string{"mode"},
	)

	reconPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_pass_duration_seconds",
			Help:    "Wall-clock duration of reconciliation passes.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"mode"},
	)

	reconActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_actions_total",
			Help: "Executed convergence actions by kind and outcome.",
		},
		[]string{"action", "outcome"},
	)

	driveCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drive_call_duration_seconds",
			Help:    "External provider call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recon_events_dropped_total",
		Help: "Membership events dropped because a subscriber was slow.",
	})
)

// Init registers all metrics in the default registry. Call once from main.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		reconPassesTotal, reconPassDuration, reconActionsTotal,
		driveCallDuration, eventsDroppedTotal,
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
		return
	}
	ready.Set(0)
}

// ObservePassStart counts a pass and returns a func to record its duration.
func ObservePassStart(mode string) func() {
	reconPassesTotal.WithLabelValues(mode).Inc()
	start := time.Now()
	return func() {
		reconPassDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

// ObserveAction records one executed action outcome.
func ObserveAction(action, outcome string) {
	reconActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveDriveCall records the latency of a single provider call.
func ObserveDriveCall(op string, d time.Duration) {
	driveCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

// EventDropped counts a shed membership event.
func EventDropped() {
	eventsDroppedTotal.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
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

// CanonicalPath collapses id segments so metric cardinality stays bounded.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "recon" && parts[3] != "" {
		switch parts[3] {
		case "full", "targeted", "audit", "records":
			return p
		default:
			return "/v1/recon/:id"
		}
	}
	return p
}

// statusWriter captures the response code for after-the-fact accounting.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
