/**
 * @description
 * Prometheus collectors for the billing engine, registered on the default registry and served
 * by the API at /metrics.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsProcessed counts runner outcomes by transaction type and outcome
	// (done, retrying, failed, skipped).
	TransactionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_transactions_processed_total",
			Help: "Transactions handled by the runner, by type and outcome",
		},
		[]string{"transaction_type", "outcome"},
	)

	// ProcessorCallDuration observes the blocking processor call.
	ProcessorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_processor_call_duration_seconds",
			Help:    "Duration of processor debit, credit and refund calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// InvoicesYielded counts invoices emitted by the subscription scheduler.
	InvoicesYielded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_invoices_yielded_total",
			Help: "Invoices created for due subscriptions",
		},
	)

	// EventsIngested counts processor events by result (applied, recorded, duplicate).
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_transaction_events_total",
			Help: "Processor events ingested, by result",
		},
		[]string{"result"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_processor_circuit_breaker_state",
			Help: "Processor circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_processor_circuit_breaker_transitions_total",
			Help: "Processor circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// JobRuns counts cron job executions by job and result.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_job_runs_total",
			Help: "Scheduled job runs, by job and result",
		},
		[]string{"job", "result"},
	)
)
