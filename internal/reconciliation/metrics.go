package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileWalletMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "wallet_mismatches",
		Help:      "Number of wallets whose balance disagrees with their running totals in the last run.",
	})

	reconcileEscrowDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "escrow_backing_diff",
		Help:      "Platform holding minus the sum of held earnings, in minor units, from the last run.",
	})

	reconcileStaleDeposits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "stale_pending_deposits",
		Help:      "Number of overdue pending deposits found in the last run.",
	})

	reconcileStuckWithdrawals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "stuck_withdrawals",
		Help:      "Number of payouts stuck in processing states found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total completed reconciliation runs.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileWalletMismatches,
		reconcileEscrowDiff,
		reconcileStaleDeposits,
		reconcileStuckWithdrawals,
		reconcileDuration,
		reconcileRuns,
	)
}
