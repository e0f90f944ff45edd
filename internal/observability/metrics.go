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
			Namespace: "addonlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "addonlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	channelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "addonlink",
			Subsystem: "channel",
			Name:      "calls_total",
			Help:      "Add-on channel calls by transport, operation and result.",
		},
		[]string{"transport", "op", "result"},
	)
	channelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "addonlink",
			Subsystem: "channel",
			Name:      "call_duration_seconds",
			Help:      "Add-on channel call duration in seconds.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"transport", "op"},
	)
	channelDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "addonlink",
			Subsystem: "channel",
			Name:      "dropped_total",
			Help:      "Inbound packets discarded by the session reader.",
		},
		[]string{"reason"},
	)
	channelSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "addonlink",
			Subsystem: "channel",
			Name:      "sessions",
			Help:      "Logged in sessions by role and transport.",
		},
		[]string{"side", "role", "transport"},
	)
	hostRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "addonlink",
			Subsystem: "host",
			Name:      "requests_total",
			Help:      "Requests served by the reference host.",
		},
		[]string{"transport", "op", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			channelCalls,
			channelCallDuration,
			channelDropped,
			channelSessions,
			hostRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordCall counts one synchronous channel call.
func RecordCall(transport, op string, err error, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	channelCalls.WithLabelValues(transport, op, result).Inc()
	channelCallDuration.WithLabelValues(transport, op).Observe(duration.Seconds())
}

func RecordDropped(reason string) {
	RegisterMetrics()
	channelDropped.WithLabelValues(reason).Inc()
}

// SessionUp and SessionDown track live sessions. side is "addon" or "host".
func SessionUp(side, role, transport string) {
	RegisterMetrics()
	channelSessions.WithLabelValues(side, role, transport).Inc()
}

func SessionDown(side, role, transport string) {
	RegisterMetrics()
	channelSessions.WithLabelValues(side, role, transport).Dec()
}

func RecordHostRequest(transport, op, status string) {
	RegisterMetrics()
	hostRequests.WithLabelValues(transport, op, status).Inc()
}
