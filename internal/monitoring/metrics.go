package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the presence service, scraped at /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_total",
		Help: "Total number of client sockets accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_active",
		Help: "Current number of open client sockets",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Client protocol metrics
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_messages_received_total",
		Help: "Total inbound client messages by type",
	}, []string{"type"})

	heartbeatsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_heartbeats_accepted_total",
		Help: "Total heartbeats that refreshed or created a liveness record",
	})

	heartbeatsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_heartbeats_rate_limited_total",
		Help: "Total heartbeats dropped for arriving inside the minimum interval",
	})

	subscribeDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_subscribe_denied_total",
		Help: "Total subscription denials by reason",
	}, []string{"reason"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_subscriptions_active",
		Help: "Current number of explicit peer subscriptions across sockets",
	})

	statusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_status_dropped_total",
		Help: "Total status frames dropped before delivery by reason",
	}, []string{"reason"})

	// Transition metrics
	transitionsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_transitions_published_total",
		Help: "Total status transitions published to the bus by status",
	}, []string{"status"})

	// Bus metrics
	busConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_bus_connected",
		Help: "Fanout bus connection status (1=connected, 0=disconnected)",
	})

	busPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_bus_publish_errors_total",
		Help: "Total bus publishes that failed and were discarded",
	})

	busDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_bus_delivered_total",
		Help: "Total envelopes handed to local subscribers",
	})

	// KV metrics
	kvUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_kv_up",
		Help: "KV health probe state (1=up, 0=down)",
	})

	// Reaper metrics
	reapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_reaped_total",
		Help: "Total expired heartbeat records converted to offline transitions",
	})

	reaperTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_reaper_tick_duration_seconds",
		Help:    "Duration of reaper scan ticks",
		Buckets: prometheus.DefBuckets,
	})

	reaperCandidates = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_reaper_candidates",
		Help:    "Expired candidates observed per reaper tick",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500},
	})

	// Query metrics
	leaderboardRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_leaderboard_requests_total",
		Help: "Total leaderboard requests by HTTP status code",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)

	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(heartbeatsAccepted)
	prometheus.MustRegister(heartbeatsRateLimited)
	prometheus.MustRegister(subscribeDenied)
	prometheus.MustRegister(subscriptionsActive)
	prometheus.MustRegister(statusDropped)

	prometheus.MustRegister(transitionsPublished)

	prometheus.MustRegister(busConnected)
	prometheus.MustRegister(busPublishErrors)
	prometheus.MustRegister(busDelivered)

	prometheus.MustRegister(kvUp)

	prometheus.MustRegister(reapedTotal)
	prometheus.MustRegister(reaperTickDuration)
	prometheus.MustRegister(reaperCandidates)

	prometheus.MustRegister(leaderboardRequests)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncrementConnections() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func DecrementConnections() {
	connectionsActive.Dec()
}

func IncrementConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func IncrementMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

func IncrementHeartbeatAccepted() {
	heartbeatsAccepted.Inc()
}

func IncrementHeartbeatRateLimited() {
	heartbeatsRateLimited.Inc()
}

func IncrementSubscribeDenied(reason string) {
	subscribeDenied.WithLabelValues(reason).Inc()
}

func AddSubscriptions(n int) {
	subscriptionsActive.Add(float64(n))
}

func IncrementStatusDropped(reason string) {
	statusDropped.WithLabelValues(reason).Inc()
}

func IncrementTransitionPublished(status string) {
	transitionsPublished.WithLabelValues(status).Inc()
}

func SetBusConnected(connected bool) {
	if connected {
		busConnected.Set(1)
	} else {
		busConnected.Set(0)
	}
}

func IncrementBusPublishError() {
	busPublishErrors.Inc()
}

func IncrementBusDelivered() {
	busDelivered.Inc()
}

func SetKVUp(up bool) {
	if up {
		kvUp.Set(1)
	} else {
		kvUp.Set(0)
	}
}

func IncrementReaped() {
	reapedTotal.Inc()
}

func ObserveReaperTick(seconds float64, candidates int) {
	reaperTickDuration.Observe(seconds)
	reaperCandidates.Observe(float64(candidates))
}

func IncrementLeaderboardRequest(code string) {
	leaderboardRequests.WithLabelValues(code).Inc()
}
