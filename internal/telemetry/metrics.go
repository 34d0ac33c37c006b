package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Payment record status transitions applied, by source.",
	}, []string{"from", "to", "source"})

	IgnoredSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_signals_ignored_total",
		Help: "Signals that arrived for records already in a terminal or equal state.",
	}, []string{"source", "status"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Inbound gateway webhooks by outcome.",
	}, []string{"outcome"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_requests_total",
		Help: "Outbound gateway calls by operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_request_duration_seconds",
		Help:    "Latency of outbound gateway calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_attempts_total",
		Help: "Retries scheduled by the shared retry policy.",
	}, []string{"operation"})

	SweepRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_sweep_records_total",
		Help: "Records visited by the recovery sweep, by outcome.",
	}, []string{"outcome"})

	WalletDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_wallet_debits_total",
		Help: "Wallet debits issued by combined payments, by outcome.",
	}, []string{"outcome"})
)
