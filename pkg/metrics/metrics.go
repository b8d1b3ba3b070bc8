package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransactionsTotal counts ledger transactions by type and final status.
var TransactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fincore_transactions_total",
		Help: "Total number of ledger transactions by type and status",
	},
	[]string{"type", "status"},
)

// LedgerLatency records the duration of ledger critical sections.
var LedgerLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fincore_ledger_latency_seconds",
		Help:    "Latency in seconds of ledger database transactions",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// Provider and webhook metrics
var (
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fincore_provider_requests_total",
			Help: "Outbound provider calls by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fincore_provider_latency_seconds",
			Help:    "Latency of outbound provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fincore_webhooks_total",
			Help: "Inbound webhooks by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Notification and worker metrics
var (
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fincore_notifications_sent_total",
			Help: "Notifications delivered per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	WorkerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fincore_worker_runs_total",
			Help: "Scheduled worker executions",
		},
		[]string{"worker", "outcome"},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fincore_websocket_connections",
			Help: "Open notification sockets",
		},
	)

	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fincore_rate_limit_hits_total",
			Help: "Operations rejected by per-user daily caps",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal, LedgerLatency)
	prometheus.MustRegister(ProviderRequests, ProviderLatency, WebhooksTotal)
	prometheus.MustRegister(NotificationsSent, WebsocketConnections, WorkerRuns, RateLimitHits)
}
