package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the orchestration counters.
type Metrics struct {
	requests      *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	shortCircuits *prometheus.CounterVec
	failures      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubeprov_requests_total",
		Help: "Total provisioning requests by action and terminal status.",
	}, []string{"action", "status"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubeprov_conflicts_total",
		Help: "Invocations rejected because a conflicting request was active.",
	}, []string{"action"})
	shortCircuits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubeprov_short_circuits_total",
		Help: "Invocations finished without running because the target was already in the desired state.",
	}, []string{"action"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubeprov_failures_total",
		Help: "Total failures by kind.",
	}, []string{"kind"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kubeprov_action_duration_seconds",
		Help:    "Wall time of executed actions.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"action", "outcome"})

	return &Metrics{
		requests:      registerCounterVec(registerer, requests),
		conflicts:     registerCounterVec(registerer, conflicts),
		shortCircuits: registerCounterVec(registerer, shortCircuits),
		failures:      registerCounterVec(registerer, failures),
		durations:     registerHistogramVec(registerer, durations),
	}
}

// MetricsHandler serves gatherer, or the default registry when nil.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequest(action, status string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(action, status).Inc()
}

func (m *Metrics) IncConflict(action string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.WithLabelValues(action).Inc()
}

func (m *Metrics) IncShortCircuit(action string) {
	if m == nil || m.shortCircuits == nil {
		return
	}
	m.shortCircuits.WithLabelValues(action).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDuration(action, outcome string, d time.Duration) {
	if m == nil || m.durations == nil {
		return
	}
	m.durations.WithLabelValues(action, outcome).Observe(d.Seconds())
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerHistogramVec(registerer prometheus.Registerer, histogram *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(histogram); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return histogram
}
