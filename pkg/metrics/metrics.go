// Package metrics declares the Prometheus collectors exported by the relayer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txrelay"

var (
	EndpointSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Endpoints handed out by the selector, labelled by whether the pick was a half-open trial.",
	}, []string{"chain", "url", "half_open"})

	NoHealthyEndpoint = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "no_healthy_endpoint_total",
		Help:      "Select calls that found no usable endpoint.",
	}, []string{"chain"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state changes per endpoint.",
	}, []string{"chain", "url", "to"})

	EndpointLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "call_latency_seconds",
		Help:      "Latency of successful RPC calls.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"chain"})

	HealthWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "health_writes_dropped_total",
		Help:      "Endpoint outcome writes dropped because the persistence queue was full.",
	})

	NonceReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nonce",
		Name:      "reservations_total",
		Help:      "Nonce reservations by result (reserved, reused, claimed, lock_timeout, error).",
	}, []string{"chain", "result"})

	NonceLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "nonce",
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring the per-address nonce lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	NonceReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nonce",
		Name:      "reconciled_total",
		Help:      "Nonce records repaired by reconcile, by action.",
	}, []string{"chain", "action"})

	TxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transitions_total",
		Help:      "Transaction status transitions.",
	}, []string{"chain", "status"})

	SubmissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "submissions_total",
		Help:      "Broadcast attempts by outcome.",
	}, []string{"chain", "outcome"})

	ScheduledTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pending_tasks",
		Help:      "One-shot tasks currently waiting for their timer.",
	})
)
