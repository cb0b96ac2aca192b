// Package metrics registers the process's Prometheus collectors: a
// probe-duration histogram, a checks-total counter labelled by
// endpoint and status, and a per-endpoint breaker-state gauge.
// Grounded on Pasithea0-api-insight/internal/http/handlers/ingest.go's
// InitPrometheusMetrics (package-level CounterVec/HistogramVec,
// registered once via prometheus.MustRegister), extended with a
// GaugeVec for breaker state since watchtower has no equivalent in the
// teacher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"watchtower/internal/breaker"
)

var (
	ProbeDuration *prometheus.HistogramVec
	ChecksTotal   *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
)

// Init constructs and registers the collectors. Call exactly once,
// from cmd/watchtower's startup path.
func Init() {
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "watchtower",
			Name:      "probe_duration_seconds",
			Help:      "Duration of endpoint probes in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchtower",
			Name:      "checks_total",
			Help:      "Total number of completed checks.",
		},
		[]string{"endpoint", "status"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchtower",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half_open).",
		},
		[]string{"endpoint"},
	)
	prometheus.MustRegister(ProbeDuration, ChecksTotal, BreakerState)
}

// ObserveCheck records one completed check's duration and outcome.
func ObserveCheck(endpointName, status string, durationSeconds float64) {
	if ProbeDuration == nil {
		return
	}
	ProbeDuration.WithLabelValues(endpointName).Observe(durationSeconds)
	ChecksTotal.WithLabelValues(endpointName, status).Inc()
}

// BreakerObserver returns a breaker.OnStateChange that keeps
// BreakerState current for one endpoint. Wire it into the breaker
// factory shared across all endpoints; the factory calls it with its
// breaker key (the endpoint id), which becomes the gauge's endpoint
// label via a closure per endpoint.
func BreakerObserver(endpointName string) breaker.OnStateChange {
	return func(_, to breaker.State) {
		if BreakerState == nil {
			return
		}
		BreakerState.WithLabelValues(endpointName).Set(float64(to))
	}
}
