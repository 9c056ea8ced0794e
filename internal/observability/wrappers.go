package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// storeObserver carries the shared instrumentation state of the store wrappers.
type storeObserver struct {
	store   string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func newStoreObserver(store string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) storeObserver {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return storeObserver{store: store, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

// start opens a span for op and returns a finish func that records the outcome.
// swapped is only meaningful for compare-and-swap operations.
func (o storeObserver) start(ctx context.Context, op string) (context.Context, func(err error, swapped *bool)) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "storage."+o.store+"."+op,
			trace.WithAttributes(attribute.String("storage.store", o.store)))
	}
	begin := time.Now()

	return ctx, func(err error, swapped *bool) {
		status := storeStatus(err, swapped)
		if span != nil {
			span.SetAttributes(attribute.String("storage.status", status))
			if status == "error" {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if o.metrics != nil {
			o.metrics.StorageOperationsTotal.WithLabelValues(o.store, op, status).Inc()
			o.metrics.StorageOperationDuration.WithLabelValues(o.store, op).Observe(time.Since(begin).Seconds())
		}
		if o.anomaly != nil {
			name := o.store + "_" + op
			switch status {
			case "error":
				o.anomaly.RecordError(name)
			case "conflict":
				o.anomaly.RecordConflict(name)
			default:
				o.anomaly.RecordSuccess(name)
			}
		}
	}
}

// annotate adds attributes to the store span opened by start. Without a
// tracer there is no store span, and the caller's span is left alone.
func (o storeObserver) annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	if o.tracer == nil || len(attrs) == 0 {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func storeStatus(err error, swapped *bool) string {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	case errors.Is(err, workflow.ErrDuplicateRequest):
		return "duplicate"
	case err != nil:
		return "error"
	case swapped != nil && !*swapped:
		return "conflict"
	}
	return "success"
}

// --- InstrumentedRequestStore ---

// InstrumentedRequestStore wraps a workflow.RequestStore with metrics,
// tracing, and anomaly detection. Lost compare-and-swap races are counted
// as conflicts, not errors.
type InstrumentedRequestStore struct {
	inner workflow.RequestStore
	obs   storeObserver
}

// NewInstrumentedRequestStore wraps a request store with observability.
func NewInstrumentedRequestStore(inner workflow.RequestStore, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRequestStore {
	return &InstrumentedRequestStore{
		inner: inner,
		obs:   newStoreObserver("request", metrics, ts, anomaly),
	}
}

func (s *InstrumentedRequestStore) Create(ctx context.Context, req *workflow.ApprovalRequest) error {
	ctx, finish := s.obs.start(ctx, "create")
	s.obs.annotate(ctx, RequestAttributes(req)...)
	err := s.inner.Create(ctx, req)
	finish(err, nil)
	return err
}

func (s *InstrumentedRequestStore) Get(ctx context.Context, requestID string) (*workflow.ApprovalRequest, error) {
	ctx, finish := s.obs.start(ctx, "get")
	s.obs.annotate(ctx, AttrRequestID.String(requestID))
	req, err := s.inner.Get(ctx, requestID)
	finish(err, nil)
	return req, err
}

func (s *InstrumentedRequestStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *workflow.ApprovalRequest) (bool, error) {
	ctx, finish := s.obs.start(ctx, "cas")
	s.obs.annotate(ctx, append(RequestAttributes(next), AttrExpectedVersion.Int64(expectedVersion))...)
	ok, err := s.inner.CompareAndSwap(ctx, expectedVersion, next)
	finish(err, &ok)
	return ok, err
}

func (s *InstrumentedRequestStore) List(ctx context.Context, f workflow.ListFilter) ([]*workflow.ApprovalRequest, error) {
	ctx, finish := s.obs.start(ctx, "list")
	out, err := s.inner.List(ctx, f)
	finish(err, nil)
	return out, err
}

func (s *InstrumentedRequestStore) Count(ctx context.Context, status workflow.Status) (int64, error) {
	ctx, finish := s.obs.start(ctx, "count")
	n, err := s.inner.Count(ctx, status)
	finish(err, nil)
	return n, err
}

// --- InstrumentedConfigStore ---

// InstrumentedConfigStore wraps a workflow.ConfigStore with metrics and tracing.
type InstrumentedConfigStore struct {
	inner workflow.ConfigStore
	obs   storeObserver
}

// NewInstrumentedConfigStore wraps a config store with observability.
func NewInstrumentedConfigStore(inner workflow.ConfigStore, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedConfigStore {
	return &InstrumentedConfigStore{
		inner: inner,
		obs:   newStoreObserver("config", metrics, ts, anomaly),
	}
}

func (s *InstrumentedConfigStore) Get(ctx context.Context) (*workflow.Config, error) {
	ctx, finish := s.obs.start(ctx, "get")
	cfg, err := s.inner.Get(ctx)
	s.obs.annotate(ctx, ConfigAttributes(cfg)...)
	finish(err, nil)
	return cfg, err
}

func (s *InstrumentedConfigStore) Ensure(ctx context.Context, roleOrder []string) (*workflow.Config, error) {
	ctx, finish := s.obs.start(ctx, "ensure")
	cfg, err := s.inner.Ensure(ctx, roleOrder)
	s.obs.annotate(ctx, ConfigAttributes(cfg)...)
	finish(err, nil)
	return cfg, err
}

func (s *InstrumentedConfigStore) CompareAndSwap(ctx context.Context, expectedVersion int64, roleOrder []string, updatedBy string) (*workflow.Config, bool, error) {
	ctx, finish := s.obs.start(ctx, "cas")
	s.obs.annotate(ctx, AttrExpectedVersion.Int64(expectedVersion))
	cfg, ok, err := s.inner.CompareAndSwap(ctx, expectedVersion, roleOrder, updatedBy)
	s.obs.annotate(ctx, ConfigAttributes(cfg)...)
	finish(err, &ok)
	return cfg, ok, err
}

var (
	_ workflow.RequestStore = (*InstrumentedRequestStore)(nil)
	_ workflow.ConfigStore  = (*InstrumentedConfigStore)(nil)
)
