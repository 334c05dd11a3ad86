package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcilePaymentMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "payment_mismatches",
		Help:      "Approved settlement requests whose payment is not in the matching terminal state.",
	})

	reconcileTransactionMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "transaction_mismatches",
		Help:      "Approved settlement requests whose transaction status disagrees with the payment.",
	})

	reconcileInvalidSplits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "invalid_splits",
		Help:      "Transactions under settlement whose stored fee split does not reconcile.",
	})

	reconcileStaleRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "stale_requests",
		Help:      "Settlement requests pending review for longer than the stale threshold.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to complete.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePaymentMismatches,
		reconcileTransactionMismatches,
		reconcileInvalidSplits,
		reconcileStaleRequests,
		reconcileDuration,
		reconcileErrors,
	)
}
