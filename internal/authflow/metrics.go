package authflow

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "authorization",
		Name:      "started_total",
		Help:      "Authorizations started by mode.",
	}, []string{"mode"})

	authorizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "authorization",
		Name:      "finished_total",
		Help:      "Authorizations reaching a terminal state.",
	}, []string{"final_state", "mode"})

	authorizationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tapicore",
		Subsystem: "authorization",
		Name:      "duration_seconds",
		Help:      "Time from start to terminal state.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"final_state"})

	stepUpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "authorization",
		Name:      "step_ups_total",
		Help:      "PIN step-ups by cause.",
	}, []string{"cause"})

	pinMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tapicore",
		Subsystem: "authorization",
		Name:      "pin_mismatches_total",
		Help:      "Six-digit PIN entries that failed verification.",
	})
)

func init() {
	prometheus.MustRegister(
		startedTotal,
		authorizationsTotal,
		authorizationDuration,
		stepUpsTotal,
		pinMismatchesTotal,
	)
}
