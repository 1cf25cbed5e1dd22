package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	settleRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Settlement and backlog runs by result.",
	}, []string{"result"})

	receiptsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "reconciliation",
		Name:      "receipts_settled_total",
		Help:      "Offline receipts debited against the account system.",
	})

	backlogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tapicore",
		Subsystem: "reconciliation",
		Name:      "backlog",
		Help:      "Receipts and credits waiting for a settlement retry.",
	})

	settleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tapicore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of settlement runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	settleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Settlement items that failed or were quarantined.",
	})
)

func init() {
	prometheus.MustRegister(
		settleRuns,
		receiptsSettled,
		backlogSize,
		settleDuration,
		settleErrors,
	)
}
