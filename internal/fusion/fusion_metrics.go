package fusion

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "fusion_decisions_total",
			Help:      "Fused decisions by action and connectivity mode.",
		},
		[]string{"action", "mode"},
	)

	combinedConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tapicore",
			Name:      "fusion_combined_confidence",
			Help:      "Distribution of combined confidence by connectivity mode.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(decisionsTotal, combinedConfidence)
}
