// Package metrics provides Prometheus instrumentation for the coordination
// plane core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync transport metrics.
var (
	SyncConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_sync_connections_active",
		Help: "Number of active sync transport connections (backbone: peers accepted; edge: peers dialed).",
	})

	SyncBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sync_bytes_total",
		Help: "Total bytes exchanged over the sync transport.",
	}, []string{"direction"})

	SyncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sync_events_total",
		Help: "Total sync boundary events observed.",
	}, []string{"peer", "ok"})
)

// Dispatcher metrics.
var (
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_dispatch_attempts_total",
		Help: "Total dispatch attempts by item kind and outcome.",
	}, []string{"kind", "outcome"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ansible_dispatch_duration_seconds",
		Help:    "Duration of a single host-runtime delivery invocation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_dispatch_in_flight",
		Help: "Number of dispatch keys currently in flight.",
	})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_reconcile_total",
		Help: "Total reconcile passes by trigger reason.",
	}, []string{"reason"})
)

// Presence / registry metrics.
var (
	KnownNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_known_nodes",
		Help: "Number of nodes currently known in the membership map.",
	})

	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_registered_agents",
		Help: "Number of registered agents (internal + external).",
	})
)

// Coordinator sweep metrics.
var (
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sweep_runs_total",
		Help: "Total coordinator sweep runs by sweeper name.",
	}, []string{"sweeper"})

	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sweep_items_total",
		Help: "Total items affected by a sweep, by sweeper and outcome.",
	}, []string{"sweeper", "outcome"})
)

// Admission metrics.
var (
	InvitesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ansible_invites_issued_total",
		Help: "Total invite tokens issued.",
	})

	TicketsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_tickets_consumed_total",
		Help: "Total websocket ticket consumption attempts by outcome.",
	}, []string{"outcome"})
)
