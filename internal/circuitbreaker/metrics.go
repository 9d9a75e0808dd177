package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbor_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	tripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_circuit_breaker_trips_total",
			Help: "Total number of times a circuit breaker opened",
		},
		[]string{"name"},
	)
)

func recordStateChange(name string, to State) {
	stateGauge.WithLabelValues(name).Set(float64(to))
	if to == StateOpen {
		tripsTotal.WithLabelValues(name).Inc()
	}
}
