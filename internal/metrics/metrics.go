// Package metrics defines the Prometheus metrics of the collaboration
// server. All metrics carry an instance label so several servers can
// share one scrape target in front of a load balancer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server-wide Prometheus collectors.
type Metrics struct {
	SessionInstances prometheus.Gauge // Graph and node config instances currently held in memory
	SessionUsers     prometheus.Gauge // Users currently registered across all instances
	ClusterPeers     prometheus.Gauge // Live peers discovered through the registry

	InstructionsTotal       prometheus.Counter // Instruction batches applied
	ProtocolViolationsTotal prometheus.Counter // Messages rejected hard enough to close the socket
	FlushErrorsTotal        prometheus.Counter // Failed save attempts
	FanoutMessagesTotal     prometheus.Counter // Messages pushed to session subscribers
	BroadcastsTotal         prometheus.Counter // Cluster ownership broadcasts sent

	FlushDuration prometheus.Histogram // Save latency per instance flush
	ApplyDuration prometheus.Histogram // Instruction batch apply latency
}

// NewMetrics creates and registers the collectors. The registerer
// parameter allows flexible registration (global registry in the
// server, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer, instanceName string) *Metrics {
	labels := prometheus.Labels{"instance": instanceName}

	m := &Metrics{
		SessionInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skein_session_instances",
			Help:        "Graph and node config instances currently held in memory",
			ConstLabels: labels,
		}),
		SessionUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skein_session_users",
			Help:        "Users currently registered across all instances",
			ConstLabels: labels,
		}),
		ClusterPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skein_cluster_peers",
			Help:        "Live cluster peers this server is connected to",
			ConstLabels: labels,
		}),
		InstructionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skein_session_instructions_total",
			Help:        "Total instruction batches applied",
			ConstLabels: labels,
		}),
		ProtocolViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skein_session_protocol_violations_total",
			Help:        "Total protocol violations that closed a client socket",
			ConstLabels: labels,
		}),
		FlushErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skein_session_flush_errors_total",
			Help:        "Total failed instance save attempts",
			ConstLabels: labels,
		}),
		FanoutMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skein_session_fanout_messages_total",
			Help:        "Total messages fanned out to session subscribers",
			ConstLabels: labels,
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skein_cluster_broadcasts_total",
			Help:        "Total ownership broadcasts sent to peers",
			ConstLabels: labels,
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "skein_session_flush_duration_seconds",
			Help:        "Instance flush latency",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "skein_session_apply_duration_seconds",
			Help:        "Instruction batch apply latency",
			ConstLabels: labels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}

	reg.MustRegister(
		m.SessionInstances,
		m.SessionUsers,
		m.ClusterPeers,
		m.InstructionsTotal,
		m.ProtocolViolationsTotal,
		m.FlushErrorsTotal,
		m.FanoutMessagesTotal,
		m.BroadcastsTotal,
		m.FlushDuration,
		m.ApplyDuration,
	)
	return m
}
