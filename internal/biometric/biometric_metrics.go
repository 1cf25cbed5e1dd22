package biometric

import "github.com/prometheus/client_golang/prometheus"

var (
	capturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "biometric_captures_total",
			Help:      "Biometric captures by result mode and whether the fallback was used.",
		},
		[]string{"mode", "fallback"},
	)

	captureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tapicore",
			Name:      "biometric_capture_duration_seconds",
			Help:      "Time from capture start to result in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(capturesTotal, captureDuration)
}
