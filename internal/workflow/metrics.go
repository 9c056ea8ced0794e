package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the approval workflow.
// All metrics use the grcflow_workflow_ namespace.
type Metrics struct {
	RequestsCreated    prometheus.Counter
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	CASRetriesTotal    *prometheus.CounterVec
	ConfigSavesTotal   *prometheus.CounterVec
	ConfigVersion      prometheus.Gauge
	PendingRequests    prometheus.Gauge
}

// NewMetrics creates and registers workflow metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "requests_created_total",
			Help:      "Total approval requests created.",
		}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Transition attempts by action and outcome code (ok on commit).",
		}, []string{"action", "outcome"}),

		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "transition_duration_seconds",
			Help:      "Transition latency including CAS retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"outcome"}),

		CASRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "cas_retries_total",
			Help:      "Compare-and-swap mismatches by target (request, config).",
		}, []string{"target"}),

		ConfigSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "config_saves_total",
			Help:      "Config save attempts by outcome code.",
		}, []string{"outcome"}),

		ConfigVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "config_version",
			Help:      "Version of the last committed workflow config.",
		}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grcflow",
			Subsystem: "workflow",
			Name:      "pending_requests",
			Help:      "Number of requests in pending status at the last refresh.",
		}),
	}

	reg.MustRegister(
		m.RequestsCreated,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.CASRetriesTotal,
		m.ConfigSavesTotal,
		m.ConfigVersion,
		m.PendingRequests,
	)

	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}
