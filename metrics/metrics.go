// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateRejects counts inbound events the gate rejected, by surface and reason.
	GateRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "gate_rejects_total",
		Help:      "Inbound events rejected by the gate.",
	}, []string{"surface", "reason"})

	// GateAccepts counts inbound events admitted to the pipeline.
	GateAccepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "gate_accepts_total",
		Help:      "Inbound events admitted by the gate.",
	}, []string{"surface"})

	// RunsStarted counts agent runs by origin (chat, webhook, heartbeat).
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "runs_started_total",
		Help:      "Agent runs started.",
	}, []string{"origin"})

	// RunsFailed counts runs that ended with an error.
	RunsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "runs_failed_total",
		Help:      "Agent runs that ended with an error.",
	})

	// RunDuration observes wall time per run.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clawgate",
		Name:      "run_duration_seconds",
		Help:      "Agent run wall time.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// QueueDrops counts queued inputs discarded by the cap, by drop rule.
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "queue_drops_total",
		Help:      "Queued inputs dropped when the per-session cap was exceeded.",
	}, []string{"rule"})

	// QueueDepth tracks queued inputs per session key.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawgate",
		Name:      "queue_depth",
		Help:      "Total queued inputs across sessions.",
	})

	// DeliveryRetries counts outbound delivery retry attempts, by surface.
	DeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "delivery_retries_total",
		Help:      "Outbound delivery retry attempts.",
	}, []string{"surface"})

	// DeliveryFailures counts deliveries abandoned after exhausting retries.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "delivery_failures_total",
		Help:      "Outbound deliveries abandoned after retries.",
	}, []string{"surface"})

	// WebhookAuthFailures counts rejected webhook requests.
	WebhookAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "webhook_auth_failures_total",
		Help:      "Webhook requests rejected for a missing or wrong token.",
	})

	// HeartbeatTicks counts heartbeat outcomes by status
	// (sent, ok-empty, ok-token, skipped, failed).
	HeartbeatTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawgate",
		Name:      "heartbeat_ticks_total",
		Help:      "Heartbeat scheduler outcomes.",
	}, []string{"status"})

	// SessionsLive tracks the session table size.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clawgate",
		Name:      "sessions_live",
		Help:      "Sessions currently held in the table.",
	})
)
