package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgepub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgepub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	edgeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgepub",
			Subsystem: "edge",
			Name:      "connections",
			Help:      "Open client connections.",
		},
		[]string{"node"},
	)
	edgeHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgepub",
			Subsystem: "edge",
			Name:      "handshakes_total",
			Help:      "Client handshakes by outcome.",
		},
		[]string{"node", "outcome"},
	)
	edgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgepub",
			Subsystem: "edge",
			Name:      "messages_total",
			Help:      "Published messages by ack status and reason.",
		},
		[]string{"node", "status", "reason"},
	)
	edgeFanout = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgepub",
			Subsystem: "edge",
			Name:      "fanout_recipients",
			Help:      "Recipients per delivered message.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"node"},
	)
	adminCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgepub",
			Subsystem: "admin",
			Name:      "commands_total",
			Help:      "Applied admin commands.",
		},
		[]string{"node", "command", "changed"},
	)
	slowConsumers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgepub",
			Subsystem: "edge",
			Name:      "slow_consumers_total",
			Help:      "Connections dropped for a full send queue.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			edgeConnections, edgeHandshakes, edgeMessages, edgeFanout,
			adminCommands, slowConsumers,
		)
	})
}

// RecordHTTPRequest counts one request. A negative duration skips the
// latency histogram.
func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	if duration >= 0 {
		httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
	}
}

func AddConnections(node string, delta int) {
	RegisterMetrics()
	edgeConnections.WithLabelValues(node).Add(float64(delta))
}

func RecordHandshake(node, outcome string) {
	RegisterMetrics()
	edgeHandshakes.WithLabelValues(node, outcome).Inc()
}

func RecordMessage(node, status, reason string, recipients int) {
	RegisterMetrics()
	edgeMessages.WithLabelValues(node, status, reason).Inc()
	if recipients >= 0 {
		edgeFanout.WithLabelValues(node).Observe(float64(recipients))
	}
}

func RecordAdminCommand(node, command string, changed bool) {
	RegisterMetrics()
	adminCommands.WithLabelValues(node, command, strconv.FormatBool(changed)).Inc()
}

func RecordSlowConsumer(node string) {
	RegisterMetrics()
	slowConsumers.WithLabelValues(node).Inc()
}
