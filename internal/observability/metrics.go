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
			Namespace: "blelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "frames_sent_total",
			Help:      "Frames accepted by the transport.",
		},
		[]string{"role"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "frames_received_total",
			Help:      "Inbound frames pushed into reassembly.",
		},
		[]string{"role"},
	)
	writeBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "write_busy_total",
			Help:      "Frame writes refused because the transport was busy.",
		},
		[]string{"role"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "messages_sent_total",
			Help:      "Messages whose final frame was accepted.",
		},
		[]string{"role"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "messages_received_total",
			Help:      "Messages reassembled and delivered.",
		},
		[]string{"role"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blelink",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"role", "state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesSent, framesReceived, writeBusy,
			messagesSent, messagesReceived, sessionTransitions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameSent(role string) {
	RegisterMetrics()
	framesSent.WithLabelValues(role).Inc()
}

func RecordFrameReceived(role string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(role).Inc()
}

func RecordWriteBusy(role string) {
	RegisterMetrics()
	writeBusy.WithLabelValues(role).Inc()
}

func RecordMessageSent(role string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(role).Inc()
}

func RecordMessageReceived(role string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(role).Inc()
}

func RecordTransition(role, state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(role, state).Inc()
}
