// Package metrics registers the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric exported by the gateway.
type Metrics struct {
	// Edge pipeline
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	CacheRequests    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	DownstreamErrors *prometheus.CounterVec

	// Streaming fabric
	ActiveConnections *prometheus.GaugeVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec

	// Workflow engine
	WorkflowEvents *prometheus.CounterVec
	TasksByStatus  *prometheus.GaugeVec
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"category"},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"reason"},
		),
		CacheRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_requests_total",
				Help: "Response cache lookups by class and outcome",
			},
			[]string{"class", "outcome"}, // outcome: hit, miss
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per downstream (0 closed, 1 open, 2 half-open)",
			},
			[]string{"downstream"},
		),
		DownstreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_downstream_errors_total",
				Help: "Failed downstream calls by service",
			},
			[]string{"downstream"},
		),
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_stream_connections",
				Help: "Active streaming connections by transport",
			},
			[]string{"transport"}, // ws, sse
		),
		MessagesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_messages_delivered_total",
				Help: "Messages enqueued to subscriber outbound queues",
			},
			[]string{"topic"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_messages_dropped_total",
				Help: "Messages dropped due to full subscriber queues",
			},
			[]string{"topic"},
		),
		WorkflowEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_workflow_events_total",
				Help: "Task workflow events by name",
			},
			[]string{"event"},
		),
		TasksByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_workflow_tasks",
				Help: "Tasks by lifecycle status",
			},
			[]string{"status"},
		),
	}
}
