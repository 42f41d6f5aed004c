package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Access decisions
	AccessDecisions     *prometheus.CounterVec
	CodeAttemptsLimited prometheus.Counter
	LedgerTransitions   *prometheus.CounterVec

	// Envelope operations
	SealOperations   *prometheus.CounterVec
	UnsealOperations *prometheus.CounterVec

	// Outbox
	OutboxEventsProcessed   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram
	OutboxRetries           *prometheus.CounterVec

	// Background sweeps
	GrantsExpired prometheus.Counter

	DatabaseOperations *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. Passing a fresh
// registry keeps tests isolated from the default one.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Authorization decisions by outcome and method or reason",
		}, []string{"outcome", "detail"}),
		CodeAttemptsLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "code_attempts_limited_total",
			Help:      "Access code attempts rejected by the rate limiter",
		}),
		LedgerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "ledger_transitions_total",
			Help:      "Grant and request state transitions",
		}, []string{"transition"}),
		SealOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "seal_total",
			Help:      "Seal operations by status",
		}, []string{"status"}),
		UnsealOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "unseal_total",
			Help:      "Unseal operations by outcome (ok, denied, integrity, error)",
		}, []string{"outcome"}),
		OutboxEventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_processed_total",
			Help:      "Total number of successfully published outbox events",
		}),
		OutboxEventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_failed_total",
			Help:      "Total number of outbox events that failed publishing",
		}),
		OutboxProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one outbox batch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retry_attempts_total",
			Help:      "Total number of publish retries",
		}, []string{"event_type"}),
		GrantsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "grants_expired_total",
			Help:      "Grants deactivated by the expiry sweeper",
		}),
		DatabaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AccessDecisions,
			m.CodeAttemptsLimited,
			m.LedgerTransitions,
			m.SealOperations,
			m.UnsealOperations,
			m.OutboxEventsProcessed,
			m.OutboxEventsFailed,
			m.OutboxProcessingLatency,
			m.OutboxRetries,
			m.GrantsExpired,
			m.DatabaseOperations,
		)
	}
	return m
}
