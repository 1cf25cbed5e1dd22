package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tapipay/tapicore/internal/money"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "ledger_operations_total",
			Help:      "Total offline ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tapicore",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Offline ledger operation duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"type"},
	)

	// LedgerLocked tracks the currently locked amount.
	LedgerLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapicore",
			Name:      "ledger_locked_amount",
			Help:      "Amount locked for offline spending.",
		},
	)

	// LedgerAvailable tracks the available offline balance.
	LedgerAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapicore",
			Name:      "ledger_available_balance",
			Help:      "Offline balance available for reservations.",
		},
	)

	// LedgerReserved tracks reserved deposits.
	LedgerReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapicore",
			Name:      "ledger_reserved_deposits",
			Help:      "Deposits reserved against offline payments.",
		},
	)

	reserveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "ledger_reservations_total",
			Help:      "Reservation attempts by result.",
		},
		[]string{"result"},
	)

	leaksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "ledger_leaks_total",
			Help:      "Deactivations that dropped reserved deposits.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerLocked,
		LedgerAvailable,
		LedgerReserved,
		reserveTotal,
		leaksTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func publishState(s State) {
	LedgerLocked.Set(money.Float(s.Locked))
	LedgerAvailable.Set(money.Float(s.Available))
	LedgerReserved.Set(money.Float(s.Reserved))
}
