package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	socketReconnectsTotal prometheus.Counter
	commentEventsTotal    *prometheus.CounterVec
	ackTimeoutsTotal      prometheus.Counter
	droppedEmitsTotal     prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used for comment
// synchronization observability.
func RegisterMetrics() {
	registerOnce.Do(func() {
		socketReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comment_socket_reconnects_total",
			Help: "Total number of websocket reconnect attempts.",
		})

		commentEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comment_events_total",
			Help: "Total number of comment broadcasts delivered to handlers.",
		}, []string{"event"})

		ackTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comment_ack_timeouts_total",
			Help: "Total number of acknowledged requests that timed out.",
		})

		droppedEmitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comment_dropped_emits_total",
			Help: "Total number of outbound frames dropped due to a full send buffer.",
		})

		prometheus.MustRegister(socketReconnectsTotal, commentEventsTotal, ackTimeoutsTotal, droppedEmitsTotal)
	})
}

// SocketReconnects exposes the reconnect attempt counter.
func SocketReconnects() prometheus.Counter {
	RegisterMetrics()
	return socketReconnectsTotal
}

// CommentEvents exposes the delivered broadcast counter.
func CommentEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return commentEventsTotal
}

// AckTimeouts exposes the ack timeout counter.
func AckTimeouts() prometheus.Counter {
	RegisterMetrics()
	return ackTimeoutsTotal
}

// DroppedEmits exposes the dropped outbound frame counter.
func DroppedEmits() prometheus.Counter {
	RegisterMetrics()
	return droppedEmitsTotal
}
