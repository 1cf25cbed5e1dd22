package credential

import "github.com/prometheus/client_golang/prometheus"

var (
	issuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "credentials_issued_total",
			Help:      "Offline credentials issued by outcome (signed, degraded).",
		},
		[]string{"outcome"},
	)

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapicore",
			Name:      "credential_validations_total",
			Help:      "Offline credential validations by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(issuedTotal, validationsTotal)
}
