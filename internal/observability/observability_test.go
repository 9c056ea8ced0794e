package observability

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.StorageOperationsTotal.WithLabelValues("request", "get", "success").Inc()
	m.RecordSecurityCheck("authorize", nil)
	m.RecordSchedulerRun("refresh_pending", errors.New("boom"))
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"grcflow_storage_operations_total",
		"grcflow_security_checks_total",
		"grcflow_scheduler_runs_total",
		"grcflow_http_requests_total",
		"grcflow_events_subscribers",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}

	if v := counterValue(t, m.Registry, "grcflow_scheduler_runs_total", prometheus.Labels{"job": "refresh_pending", "status": "error"}); v != 1 {
		t.Errorf("scheduler error runs = %v, want 1", v)
	}
}

func TestMetricsCollector_SharedWithWorkflow(t *testing.T) {
	m := NewMetricsCollector()
	wm := workflow.NewMetrics(m.Registry)
	wm.RequestsCreated.Inc()

	if v := counterValue(t, m.Registry, "grcflow_workflow_requests_created_total", nil); v != 1 {
		t.Errorf("requests created = %v, want 1", v)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordSecurityCheck("authorize", nil)
	m.RecordSchedulerRun("job", nil)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("storage", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("storage", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %q, want ok", status.Checks["storage"].Status)
	}
}

func TestHealthChecker_WorkflowConfig(t *testing.T) {
	ctx := context.Background()
	configs := workflow.NewInMemoryConfigStore()

	h := NewHealthChecker(nil)
	h.AddDetailedCheck("workflow_config", WorkflowConfigCheck(configs))

	status := h.CheckReady(ctx)
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded before seeding, got %q", status.Status)
	}
	if got := status.Checks["workflow_config"].Message; got != "workflow config not seeded" {
		t.Errorf("unexpected failure message %q", got)
	}

	if _, err := configs.Ensure(ctx, []string{"L1", "L2"}); err != nil {
		t.Fatal(err)
	}
	status = h.CheckReady(ctx)
	if status.Status != StatusOK {
		t.Fatalf("expected ok after seeding, got %+v", status)
	}
	if got := status.Checks["workflow_config"].Detail; got != "v1 L1 > L2" {
		t.Errorf("detail = %q, want %q", got, "v1 L1 > L2")
	}
}

// failingConfigStore fails every read.
type failingConfigStore struct {
	*workflow.InMemoryConfigStore
}

func (failingConfigStore) Get(context.Context) (*workflow.Config, error) {
	return nil, errors.New("connection refused")
}

func TestHealthChecker_ReadError(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddDetailedCheck("workflow_config", WorkflowConfigCheck(&failingConfigStore{}))

	status := h.CheckReady(context.Background())
	res := status.Checks["workflow_config"]
	if status.Status != StatusDegraded || res.Status != "fail" || res.Detail != "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.RecordConflict("test")
	if a.Alerts() != 0 {
		t.Error("nil detector should report no alerts")
	}
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	// 6 errors, 4 successes = 60% error rate > 50%.
	for i := 0; i < 4; i++ {
		a.RecordSuccess("test_op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("test_op")
	}

	a.mu.Lock()
	errs := a.errorCounts["test_op"].sum()
	successes := a.successCounts["test_op"].sum()
	a.mu.Unlock()

	if errs != 6 {
		t.Errorf("errors = %v, want 6", errs)
	}
	if successes != 4 {
		t.Errorf("successes = %v, want 4", successes)
	}
	if a.Alerts() == 0 {
		t.Error("expected at least one alert above threshold")
	}
}

func TestAnomalyDetector_ConflictRateBelowThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:               true,
		ConflictRateThreshold: 0.5,
	}, nil)
	for i := 0; i < 9; i++ {
		a.RecordSuccess("request_cas")
	}
	a.RecordConflict("request_cas")
	if a.Alerts() != 0 {
		t.Errorf("alerts = %d, want 0 at 10%% conflicts", a.Alerts())
	}
}

// --- Instrumented stores ---

// lossyStore loses every compare-and-swap.
type lossyStore struct {
	*workflow.InMemoryRequestStore
}

func (lossyStore) CompareAndSwap(context.Context, int64, *workflow.ApprovalRequest) (bool, error) {
	return false, nil
}

func TestInstrumentedRequestStore(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ConflictRateThreshold: 0.4}, nil)
	inner := workflow.NewInMemoryRequestStore()
	store := NewInstrumentedRequestStore(inner, metrics, nil, anomaly)
	ctx := context.Background()

	now := time.Now().UTC()
	req := &workflow.ApprovalRequest{RequestID: "REQ-1", Title: "t", Status: workflow.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, req); !errors.Is(err, workflow.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate, got: %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected not found, got: %v", err)
	}

	for _, tc := range []struct {
		op, status string
		want       float64
	}{
		{"create", "success", 1},
		{"create", "duplicate", 1},
		{"get", "not_found", 1},
	} {
		got := counterValue(t, metrics.Registry, "grcflow_storage_operations_total",
			prometheus.Labels{"store": "request", "operation": tc.op, "status": tc.status})
		if got != tc.want {
			t.Errorf("%s/%s = %v, want %v", tc.op, tc.status, got, tc.want)
		}
	}

	lossy := NewInstrumentedRequestStore(lossyStore{inner}, metrics, nil, anomaly)
	for i := 0; i < 5; i++ {
		if ok, err := lossy.CompareAndSwap(ctx, 1, req); ok || err != nil {
			t.Fatalf("expected lost swap, got ok=%v err=%v", ok, err)
		}
	}
	if got := counterValue(t, metrics.Registry, "grcflow_storage_operations_total",
		prometheus.Labels{"store": "request", "operation": "cas", "status": "conflict"}); got != 5 {
		t.Errorf("cas conflicts = %v, want 5", got)
	}
	if anomaly.Alerts() == 0 {
		t.Error("expected conflict rate alert")
	}
}

func TestInstrumentedConfigStore_NilMetrics(t *testing.T) {
	store := NewInstrumentedConfigStore(workflow.NewInMemoryConfigStore(), nil, nil, nil)
	ctx := context.Background()
	cfg, err := store.Ensure(ctx, []string{"L1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, ok, err := store.CompareAndSwap(ctx, cfg.Version, []string{"L1", "L2"}, "admin"); err != nil || !ok {
		t.Fatalf("expected swap, got ok=%v err=%v", ok, err)
	}
	got, err := store.Get(ctx)
	if err != nil || got.Version != 2 {
		t.Fatalf("unexpected config %+v err=%v", got, err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "grcflow_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_RouteLabel(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for _, id := range []string{"REQ-1", "REQ-2"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/workflows/requests/"+id+"/transition", nil))
	}
	val := counterValue(t, metrics.Registry, "grcflow_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/api/v1/workflows/requests/{id}/transition", "status_code": "404"})
	if val != 2 {
		t.Errorf("http requests = %v, want 2", val)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/healthz":                               "/healthz",
		"/api/v1/workflows/requests":             "/api/v1/workflows/requests",
		"/api/v1/workflows/requests/":            "/api/v1/workflows/requests/",
		"/api/v1/workflows/requests/abc":         "/api/v1/workflows/requests/{id}",
		"/api/v1/workflows/requests/abc/history": "/api/v1/workflows/requests/{id}/history",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestHTTPMetricsMiddleware_PassesHijack(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer lost http.Hijacker")
		}
		_, _, _ = hj.Hijack()
	}))
	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if !rec.hijacked {
		t.Error("expected underlying Hijack to be called")
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// --- Tracing ---

func spanAttr(t *testing.T, spans tracetest.SpanStubs, name string, key attribute.Key) (attribute.Value, bool) {
	t.Helper()
	for _, s := range spans {
		if s.Name != name {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == key {
				return kv.Value, true
			}
		}
		return attribute.Value{}, false
	}
	t.Fatalf("span %q not recorded", name)
	return attribute.Value{}, false
}

func TestTracerSetup_RequestSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: true}, WithSpanExporter(exp), WithServiceVersion("1.2.3"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer ts.Shutdown(context.Background())

	ctx := context.Background()
	store := NewInstrumentedRequestStore(workflow.NewInMemoryRequestStore(), nil, ts, nil)
	now := time.Now().UTC()
	req := &workflow.ApprovalRequest{RequestID: "REQ-7", Title: "t", Status: workflow.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	next := req.Clone()
	next.CurrentStageIndex = 1
	next.Version = 2
	if ok, err := store.CompareAndSwap(ctx, 1, next); !ok || err != nil {
		t.Fatalf("expected swap, got ok=%v err=%v", ok, err)
	}

	spans := exp.GetSpans()
	if v, ok := spanAttr(t, spans, "storage.request.create", AttrRequestID); !ok || v.AsString() != "REQ-7" {
		t.Errorf("create span request_id = %v", v.Emit())
	}
	if v, ok := spanAttr(t, spans, "storage.request.cas", AttrExpectedVersion); !ok || v.AsInt64() != 1 {
		t.Errorf("cas span expected_version = %v", v.Emit())
	}
	if v, ok := spanAttr(t, spans, "storage.request.cas", AttrStageIndex); !ok || v.AsInt64() != 1 {
		t.Errorf("cas span stage_index = %v", v.Emit())
	}

	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == semconv.ServiceVersionKey && kv.Value.AsString() == "1.2.3" {
			found = true
		}
	}
	if !found {
		t.Error("expected service.version on the trace resource")
	}
}

func TestTracerSetup_ConfigSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: true}, WithSpanExporter(exp))
	if err != nil {
		t.Fatal(err)
	}
	store := NewInstrumentedConfigStore(workflow.NewInMemoryConfigStore(), nil, ts, nil)
	if _, err := store.Ensure(context.Background(), []string{"L1", "L2"}); err != nil {
		t.Fatal(err)
	}
	v, ok := spanAttr(t, exp.GetSpans(), "storage.config.ensure", AttrRoleOrder)
	if !ok || v.AsString() != "L1,L2" {
		t.Errorf("ensure span role_order = %v", v.Emit())
	}
}

func TestInstrumentedStore_NoTracerLeavesCallerSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: true}, WithSpanExporter(exp))
	if err != nil {
		t.Fatal(err)
	}
	ctx, parent := ts.Tracer().Start(context.Background(), "workflow.create")

	store := NewInstrumentedRequestStore(workflow.NewInMemoryRequestStore(), NewMetricsCollector(), nil, nil)
	now := time.Now().UTC()
	if err := store.Create(ctx, &workflow.ApprovalRequest{RequestID: "REQ-8", Title: "t", Status: workflow.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	parent.End()

	if _, ok := spanAttr(t, exp.GetSpans(), "workflow.create", AttrRequestID); ok {
		t.Error("store attributes leaked onto the caller's span")
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("expected nil setup, got %v, %v", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil setup should return a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("nil shutdown: %v", err)
	}
}
