// Package metrics exposes the gateway's Prometheus instrumentation.
// A Metrics value is constructed once at startup and threaded through
// the services that record into it, so tests can run with isolated
// registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gateway collector.
type Metrics struct {
	registry *prometheus.Registry

	// Hub
	EventsPublished   *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	ReplayDuration    prometheus.Histogram
	SlowDisconnects   prometheus.Counter

	// DCG
	CommandsEvaluated *prometheus.CounterVec
	BlocksBySeverity  *prometheus.CounterVec

	// CAAM
	Rotations *prometheus.CounterVec

	// Git-sync
	SyncOps      *prometheus.CounterVec
	SyncDuration prometheus.Histogram

	// HTTP
	RequestDuration *prometheus.HistogramVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_events_published_total",
			Help: "Events published through the hub, by channel kind.",
		}, []string{"kind"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_ws_connections",
			Help: "Open WebSocket connections.",
		}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_hub_subscribers",
			Help: "Live channel subscriptions across all connections.",
		}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgw_replay_duration_seconds",
			Help:    "Duration of cursor replays on subscribe.",
			Buckets: prometheus.DefBuckets,
		}),
		SlowDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentgw_slow_subscriber_disconnects_total",
			Help: "Subscribers dropped for send-queue overflow.",
		}),
		CommandsEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_dcg_evaluations_total",
			Help: "Guard evaluations by outcome (allowed, warned, denied).",
		}, []string{"outcome"}),
		BlocksBySeverity: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_dcg_blocks_total",
			Help: "Recorded block events by severity.",
		}, []string{"severity"}),
		Rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_caam_rotations_total",
			Help: "Credential rotations by provider and result.",
		}, []string{"provider", "result"}),
		SyncOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_sync_ops_total",
			Help: "Terminal sync operations by status.",
		}, []string{"status"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgw_sync_duration_seconds",
			Help:    "Wall time from queue to terminal transition.",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgw_http_request_duration_seconds",
			Help:    "REST request latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
