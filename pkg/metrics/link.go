package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LinkMetrics instruments the storage-node links and their connection
// manager. A nil *LinkMetrics is valid and records nothing.
type LinkMetrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	pendingRequests  *prometheus.GaugeVec
	roundTripSeconds *prometheus.HistogramVec
}

// NewLinkMetrics creates the link collectors, or returns nil when metrics
// are disabled.
func NewLinkMetrics() *LinkMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &LinkMetrics{
		messagesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_link_messages_sent_total",
				Help: "Messages sent to storage nodes, by message kind",
			},
			[]string{"kind"},
		),
		messagesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_link_messages_received_total",
				Help: "Messages received from storage nodes, by message kind",
			},
			[]string{"kind"},
		),
		reconnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_link_reconnects_total",
				Help: "Successful storage-node connection establishments, by node name",
			},
			[]string{"node"},
		),
		disconnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_link_disconnects_total",
				Help: "Storage-node link failures, by node name",
			},
			[]string{"node"},
		),
		pendingRequests: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quiltfs_link_pending_requests",
				Help: "Requests awaiting a storage-node response, by node name",
			},
			[]string{"node"},
		),
		roundTripSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quiltfs_link_round_trip_seconds",
				Help:    "Round-trip time of storage-node requests, by message kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// RecordSent counts a message written to a link.
func (m *LinkMetrics) RecordSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// RecordReceived counts a message read from a link.
func (m *LinkMetrics) RecordReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// RecordReconnect counts a successful (re)connection to a node.
func (m *LinkMetrics) RecordReconnect(node string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(node).Inc()
}

// RecordDisconnect counts a link failure for a node.
func (m *LinkMetrics) RecordDisconnect(node string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(node).Inc()
}

// AddPending adjusts the in-flight request gauge for a node.
func (m *LinkMetrics) AddPending(node string, delta float64) {
	if m == nil {
		return
	}
	m.pendingRequests.WithLabelValues(node).Add(delta)
}

// ObserveRoundTrip records the duration of one completed request.
func (m *LinkMetrics) ObserveRoundTrip(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.roundTripSeconds.WithLabelValues(kind).Observe(seconds)
}
