// Package metrics provides Prometheus instrumentation for the Parley chat
// relay. It exposes gauges for connection and identity counts, counters for
// pipeline throughput and bans, and histograms for snapshot timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// IdentitiesTotal tracks the current number of registered identities.
	IdentitiesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_identities_total",
		Help: "Current number of registered identities",
	})

	// MessagesTotal counts inbound chat messages by pipeline outcome:
	// "accepted" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "accepted", "rejected"

	// GateRejections counts pipeline rejections by the gate that fired.
	GateRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gate_rejections_total",
		Help: "Total number of messages rejected, by gate",
	}, []string{"gate"})

	// BansTotal counts admin ban operations.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_bans_total",
		Help: "Total number of admin bans executed",
	})

	// RetentionRemoved counts messages dropped by the retention sweep.
	RetentionRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_retention_removed_total",
		Help: "Total number of messages removed by retention sweeps",
	})

	// SnapshotWrites counts snapshot persistence attempts by outcome:
	// "ok" or "error".
	SnapshotWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_snapshot_writes_total",
		Help: "Total number of snapshot writes attempted",
	}, []string{"outcome"}) // outcome = "ok", "error"

	// SnapshotDuration records snapshot serialization and write latency.
	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_snapshot_write_seconds",
		Help:    "Snapshot write latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		IdentitiesTotal,
		MessagesTotal,
		GateRejections,
		BansTotal,
		RetentionRemoved,
		SnapshotWrites,
		SnapshotDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
