// Package metrics declares the Prometheus series exposed on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EnvelopesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_published_total",
		Help: "Total number of envelopes accepted via publish",
	})

	EnvelopesReplicatedIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_replicated_in_total",
		Help: "Total number of envelopes accepted via the cluster replicate endpoint",
	})

	EnvelopesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_delivered_total",
		Help: "Total number of envelopes pushed to a bound session",
	})

	EnvelopesPooled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_envelopes_pooled",
		Help: "Current number of envelopes held in the message pool",
	})

	EnvelopesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_expired_total",
		Help: "Total number of envelopes removed by TTL expiry",
	})

	EnvelopesPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_pulled_total",
		Help: "Total number of envelopes removed via pull",
	})

	EnvelopesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_deleted_total",
		Help: "Total number of envelopes removed via explicit delete",
	})

	EnvelopesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_envelopes_duplicate_total",
		Help: "Total number of pool inserts (publish or replicate-in) whose envelope id was already pooled",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Current number of open duplex-channel sessions",
	})

	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_opened_total",
		Help: "Total number of duplex-channel sessions opened",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_sessions_closed_total",
		Help: "Total duplex-channel sessions closed by reason",
	}, []string{"reason"})

	SessionsIdleEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_idle_evicted_total",
		Help: "Total number of sessions closed by the idle reaper",
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rate_limit_rejections_total",
		Help: "Total admission rejections by rate limiter scope",
	}, []string{"scope"})

	ReplicationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_replication_attempts_total",
		Help: "Total replication fan-out attempts by outcome",
	}, []string{"outcome"})

	ReplicationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_replication_queue_depth",
		Help: "Current number of tasks waiting in the replication worker queue",
	})

	ReplicationQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_replication_queue_dropped_total",
		Help: "Total replication tasks dropped because the worker queue was full",
	})

	NodesRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_nodes_registered",
		Help: "Current number of peer nodes in the node registry",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connections_rejected_total",
		Help: "Total duplex-channel connection attempts rejected by reason",
	}, []string{"reason"})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_memory_bytes",
		Help: "Resident memory usage of the broker process",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_cpu_percent",
		Help: "Host CPU usage sampled by the resource guard",
	})
)

// Register adds every series to reg. Called once at startup with
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer in tests that
// don't care about isolation).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EnvelopesPublished,
		EnvelopesReplicatedIn,
		EnvelopesDelivered,
		EnvelopesPooled,
		EnvelopesExpired,
		EnvelopesPulled,
		EnvelopesDeleted,
		EnvelopesDuplicate,
		SessionsActive,
		SessionsOpened,
		SessionsClosed,
		SessionsIdleEvicted,
		RateLimitRejections,
		ReplicationAttempts,
		ReplicationQueueDepth,
		ReplicationQueueDropped,
		NodesRegistered,
		ConnectionsRejected,
		MemoryUsageBytes,
		CPUUsagePercent,
	)
}
