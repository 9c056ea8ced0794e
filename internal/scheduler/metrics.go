package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	JobsRun       *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	StaleRequests prometheus.Gauge
	BucketsSwept  prometheus.Counter
	TickDuration  prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "janitor",
			Name:      "jobs_run_total",
			Help:      "Total janitor job executions by job.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "janitor",
			Name:      "jobs_failed_total",
			Help:      "Total janitor job executions that failed, by job.",
		}, []string{"job"}),
		StaleRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grcflow",
			Subsystem: "janitor",
			Name:      "stale_requests",
			Help:      "Pending requests not updated within the stale threshold at the last pass.",
		}),
		BucketsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "janitor",
			Name:      "ratelimit_buckets_swept_total",
			Help:      "Total idle rate-limit buckets reclaimed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grcflow",
			Subsystem: "janitor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each janitor pass.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.JobsRun,
		m.JobsFailed,
		m.StaleRequests,
		m.BucketsSwept,
		m.TickDuration,
	)

	return m
}
