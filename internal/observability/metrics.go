package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_created_total", Help: "Total service requests created"})
	Transitions     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "request_transitions_total", Help: "Request lifecycle transitions by target status"},
		[]string{"to"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_attempts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	AcceptLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "accept_latency_seconds", Help: "Accept latency seconds"})
	ProviderStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "provider_status_changes_total", Help: "Provider status writes by new status"},
		[]string{"status"},
	)
	LocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "location_reports_total", Help: "Provider location reports stored"})
	EventsDropped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "events_dropped_total", Help: "Lifecycle events that could not be delivered"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
