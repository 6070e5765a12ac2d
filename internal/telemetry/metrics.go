package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neighprobe"

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Protocol messages broadcast, by type.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages decoded, by type.",
		},
		[]string{"type"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	SendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Broadcasts that failed on at least one interface.",
		},
	)

	Neighbors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Current number of live neighbors.",
		},
	)

	NeighborEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neighbor_events_total",
			Help:      "Neighbor table changes, by event.",
		},
		[]string{"event"},
	)

	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes by outcome.",
		},
		[]string{"outcome"},
	)

	ProbeRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Round-trip time of successful probes.",
			// 100us .. ~3.2s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of HTTP API requests.",
		},
		[]string{"op", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and node).",
		},
		[]string{"version", "node"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

// Probe outcomes.
const (
	ProbeSent      = "sent"
	ProbeSucceeded = "succeeded"
	ProbeExpired   = "expired"
	ProbeUnmatched = "unmatched"
	ProbeEvicted   = "evicted"
)

// Neighbor events.
const (
	NeighborAdded   = "added"
	NeighborMoved   = "moved"
	NeighborExpired = "expired"
)

// Drop reasons.
const (
	DropMalformed  = "malformed"
	DropSelf       = "self"
	DropUnresolved = "unresolved"
	DropNotForUs   = "not_for_us"
)

func init() {
	Registry.MustRegister(
		MessagesSent, MessagesReceived, MessagesDropped, SendErrors,
		Neighbors, NeighborEvents, Probes, ProbeRTT,
		RequestsTotal, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string, node uint32) {
	buildInfo.WithLabelValues(version, strconv.FormatUint(uint64(node), 10)).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to count requests under the provided "op"
// label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
	})
}
