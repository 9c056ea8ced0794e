package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-level Prometheus metrics for grcflow.
// Uses a custom registry, no global state. Workflow metrics register on the
// same registry via workflow.NewMetrics.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Storage metrics.
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Security metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// Scheduler metrics.
	SchedulerRunsTotal *prometheus.CounterVec

	// Event stream metrics.
	EventSubscribers   prometheus.Gauge
	EventsDroppedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StorageOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total storage operations by store, operation and status.",
		}, []string{"store", "operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grcflow",
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"store", "operation"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total security checks performed.",
		}, []string{"check_type", "result"}),

		SchedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Background job runs by job and status.",
		}, []string{"job", "status"}),

		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grcflow",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Connected event stream subscribers.",
		}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grcflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grcflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grcflow",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.SecurityChecksTotal,
		m.SchedulerRunsTotal,
		m.EventSubscribers,
		m.EventsDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordSecurityCheck counts an authentication or authorization decision.
func (m *MetricsCollector) RecordSecurityCheck(checkType string, err error) {
	if m == nil {
		return
	}
	result := "allowed"
	if err != nil {
		result = "denied"
	}
	m.SecurityChecksTotal.WithLabelValues(checkType, result).Inc()
}

// RecordSchedulerRun counts one background job execution.
func (m *MetricsCollector) RecordSchedulerRun(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SchedulerRunsTotal.WithLabelValues(job, status).Inc()
}
