package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backbone"

var (
	Allocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "allocations_total",
			Help:      "Inbound and outbound allocation attempts partitioned by direction and result.",
		},
		[]string{"direction", "result"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Transaction status transitions partitioned by target status and result.",
		},
		[]string{"status", "result"},
	)

	LedgerPostings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Ledger entries appended.",
		},
	)

	StorageConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "storage_conflict_retries_total",
			Help:      "Units of work retried after a serialization or lock failure.",
		},
	)

	CallbackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callbacks",
			Name:      "deliveries_total",
			Help:      "Merchant callback deliveries partitioned by result.",
		},
		[]string{"result"},
	)

	WorkerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "runs_total",
			Help:      "Reconciliation job runs partitioned by job and result.",
		},
		[]string{"job", "result"},
	)

	WorkerAffected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "affected_total",
			Help:      "Rows or keys changed by reconciliation jobs.",
		},
		[]string{"job"},
	)

	BalanceDrift = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "balance_drift",
			Help:      "Balances whose snapshot disagreed with replay in the last audit.",
		},
	)
)
