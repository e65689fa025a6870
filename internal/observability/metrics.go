// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the broker.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks session counts per tenant and status.
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_sessions_active",
			Help: "Current number of sessions by tenant and status",
		},
		[]string{"tenant", "status"},
	)

	// MailboxDepth tracks per-session mailbox depth.
	MailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_mailbox_depth",
			Help: "Current mailbox depth for a session",
		},
		[]string{"tenant", "session"},
	)

	// MessagesRoutedTotal counts router outcomes.
	MessagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_routed_total",
			Help: "Total messages processed by the router by outcome",
		},
		[]string{"tenant", "outcome"}, // delivered, queued, queue_full, failed
	)

	// RouterDurationSeconds measures send/broadcast latency.
	RouterDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_router_duration_seconds",
			Help:    "Router send/broadcast duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"}, // send, broadcast
	)

	// NegotiationDurationSeconds measures negotiate_capabilities latency.
	NegotiationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_negotiation_duration_seconds",
			Help:    "Capability negotiation duration in seconds",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"tenant"},
	)

	// DLQEntriesTotal counts dead-letter store writes.
	DLQEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dlq_entries_total",
			Help: "Total entries appended to the dead-letter store",
		},
		[]string{"tenant", "reason"},
	)

	// DLQAppendFailuresTotal counts dead-letter store writes that failed and
	// were dropped rather than recorded.
	DLQAppendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dlq_append_failures_total",
			Help: "Total dead-letter store append failures by reason",
		},
		[]string{"tenant", "reason"},
	)

	// FacadeCallsTotal counts façade dispatches by operation and outcome.
	FacadeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_facade_calls_total",
			Help: "Total façade operation calls by outcome",
		},
		[]string{"op", "outcome"},
	)

	// FacadeCallDurationSeconds measures façade dispatch latency.
	FacadeCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_facade_call_duration_seconds",
			Help:    "Façade call duration in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1},
		},
		[]string{"op"},
	)

	// StoreDegradedTotal counts store failover transitions.
	StoreDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_store_degraded_total",
			Help: "Total transitions into degraded store mode",
		},
		[]string{},
	)
)
