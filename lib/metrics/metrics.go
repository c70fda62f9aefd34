// Package metrics declares the Prometheus collectors exported by the services at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Job bodies started",
	}, []string{"job"})

	JobSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "scheduler",
		Name:      "skips_total",
		Help:      "Ticks skipped because the previous run was still active",
	}, []string{"job"})

	JobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "scheduler",
		Name:      "failures_total",
		Help:      "Job bodies that returned an error or panicked",
	}, []string{"job"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Job body duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"job"})

	// Explorer
	CursorHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "explorer",
		Name:      "cursor_height",
		Help:      "Last height scanned or enqueued per chain",
	}, []string{"chain"})

	WatchedAddresses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "explorer",
		Name:      "watched_addresses",
		Help:      "Deposit addresses in the watch set per chain",
	}, []string{"chain"})

	DepositsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "explorer",
		Name:      "deposits_recorded_total",
		Help:      "Deposit transactions written to the ledger",
	}, []string{"coin"})

	// Worker pool
	PoolBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "pool",
		Name:      "busy_workers",
		Help:      "Block units currently being processed",
	}, []string{"chain"})

	PoolUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "pool",
		Name:      "units_total",
		Help:      "Block units finished by outcome",
	}, []string{"chain", "outcome"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Adapter calls delayed by the rate limiter",
	}, []string{"chain"})

	// State machine
	TxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "tx",
		Name:      "transitions_total",
		Help:      "Transaction state changes by coin and outcome (landed, failed, resent)",
	}, []string{"coin", "outcome"})

	// Withdrawals
	WithdrawItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "withdraw",
		Name:      "line_items_total",
		Help:      "Withdrawal line items dispatched by outcome",
	}, []string{"coin", "outcome"})

	// Notifications
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts by outcome",
	}, []string{"outcome"})
)
