package circuitbreaker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openviking_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_circuit_breaker_requests_total",
			Help: "Total requests through the circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_circuit_breaker_failures_total",
			Help: "Total failures recorded by the circuit breaker",
		},
		[]string{"name", "service"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openviking_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "service", "from", "to"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openviking_circuit_breaker_open_since_seconds",
			Help: "Unix time at which the breaker last opened, 0 while not open",
		},
		[]string{"name", "service"},
	)
)

// registerBreaker publishes the breaker's initial state and chains a
// metrics recorder onto its state-change callback. The state gauge only
// moves on transitions, so the callback keeps it current without any
// polling.
func registerBreaker(name, service string, cb *CircuitBreaker) {
	breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
	breakerOpenSince.WithLabelValues(name, service).Set(0)

	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(n string, from, to State) {
		breakerState.WithLabelValues(name, service).Set(float64(to))
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		if to == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).Set(float64(time.Now().Unix()))
		} else {
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
		if prev != nil {
			prev(n, from, to)
		}
	}
}

// recordRequest counts one request outcome under the state it ran in.
func recordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		breakerFailures.WithLabelValues(name, service).Inc()
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}
