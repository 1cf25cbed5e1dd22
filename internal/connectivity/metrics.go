package connectivity

import "github.com/prometheus/client_golang/prometheus"

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tapicore",
	Name:      "connectivity_transitions_total",
	Help:      "Connectivity transitions by target mode.",
}, []string{"to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}
