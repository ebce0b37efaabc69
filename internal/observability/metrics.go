package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "order_tracking"

var (
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "connect_attempts_total", Help: "Connect attempts by role and result"},
		[]string{"role", "result"},
	)
	ConnectLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time from dial to connected or failure",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	Connected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connected", Help: "1 while the role's channel is connected"},
		[]string{"role"},
	)
	RoomsJoined = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "rooms_joined", Help: "Order rooms currently joined"},
		[]string{"role"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_received_total", Help: "Inbound socket events"},
		[]string{"role", "event"},
	)
	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_discarded_total", Help: "Inbound events dropped by the core"},
		[]string{"event", "reason"},
	)
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_sent_total", Help: "Outbound socket events"},
		[]string{"role", "event"},
	)

	SnapshotUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "snapshot_updates_total", Help: "Applied order snapshot changes"})
	OfferOutcomes   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Delivery offer lifecycle transitions"},
		[]string{"outcome"},
	)
	LocationSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Driver position samples by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total status API requests handled"},
		[]string{"role", "method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "method", "path", "status"},
	)
)
