// Package metrics holds the Prometheus collectors of the marketplace core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pre = "servicemarket_"

var (
	// NotificationsDispatched counts persisted notifications by type.
	NotificationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "notifications_dispatched_total",
		Help: "Notifications persisted by the dispatcher.",
	}, []string{"type"})

	// RealtimePushes counts per-connection push outcomes: delivered, dropped or offline.
	RealtimePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "realtime_pushes_total",
		Help: "Realtime push attempts by outcome.",
	}, []string{"outcome"})

	// RealtimeConnections is the number of live websocket connections in this process.
	RealtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "realtime_connections",
		Help: "Live realtime connections.",
	})

	// RelayMessages counts cross-instance relay traffic by direction and outcome.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "relay_messages_total",
		Help: "Cross-instance relay messages.",
	}, []string{"direction", "outcome"})

	// OfferDecisions counts arbitration results.
	OfferDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "offer_decisions_total",
		Help: "Offer decisions by outcome (accepted, rejected, conflict).",
	}, []string{"outcome"})

	// RequestTransitions counts request status changes by target status.
	RequestTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "request_transitions_total",
		Help: "Request status transitions by new status.",
	}, []string{"status"})

	// JobsProcessed counts outbox jobs by type and resulting status.
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "jobs_processed_total",
		Help: "Background jobs processed by type and result.",
	}, []string{"type", "status"})

	// HTTPRequests counts API responses by route template and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "http_requests_total",
		Help: "HTTP responses by route and code.",
	}, []string{"route", "code"})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		NotificationsDispatched,
		RealtimePushes,
		RealtimeConnections,
		RelayMessages,
		OfferDecisions,
		RequestTransitions,
		JobsProcessed,
		HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
