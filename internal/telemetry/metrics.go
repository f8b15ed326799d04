package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_ledger_operations_total",
			Help: "Ledger write operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
	LedgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metering_ledger_operation_duration_milliseconds",
			Help:    "Ledger write latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"op"},
	)
	CreditsDeducted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_credits_deducted_total",
			Help: "Credits deducted for inference usage",
		},
		[]string{"provider", "model"},
	)
	InsufficientCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_insufficient_credits_total",
			Help: "Requests denied or recorded as error for lack of credits",
		},
	)
	BalanceDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_balance_drift_total",
			Help: "Reconciliation anomalies between cached and recomputed balances",
		},
	)
	UnparseableUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_unparseable_usage_total",
			Help: "Vendor responses whose usage shape was not recognised",
		},
		[]string{"provider"},
	)
	UnknownRates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_unknown_rate_total",
			Help: "Completions that could not be priced",
		},
		[]string{"provider", "model"},
	)
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_jobs_enqueued_total",
			Help: "Background jobs offered to the queue by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(LedgerOperations)
	prometheus.MustRegister(LedgerDuration)
	prometheus.MustRegister(CreditsDeducted)
	prometheus.MustRegister(InsufficientCredits)
	prometheus.MustRegister(BalanceDrift)
	prometheus.MustRegister(UnparseableUsage)
	prometheus.MustRegister(UnknownRates)
	prometheus.MustRegister(JobsEnqueued)
}
