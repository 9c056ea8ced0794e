package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/grcflow/internal/config"
	"github.com/jkaninda/grcflow/internal/workflow"
)

const defaultServiceName = "grcflow"

// Span attribute keys for workflow records.
const (
	AttrRequestID       = attribute.Key("grcflow.request_id")
	AttrRequestStatus   = attribute.Key("grcflow.request.status")
	AttrStageIndex      = attribute.Key("grcflow.request.stage_index")
	AttrRequestVersion  = attribute.Key("grcflow.request.version")
	AttrExpectedVersion = attribute.Key("grcflow.expected_version")
	AttrConfigVersion   = attribute.Key("grcflow.config.version")
	AttrRoleOrder       = attribute.Key("grcflow.config.role_order")
)

// TracerSetup owns the OTel TracerProvider. It is never installed as the
// global provider; the tracer is handed to the service and the stores.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracingOption customizes NewTracerSetup.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	version  string
	exporter sdktrace.SpanExporter
}

// WithServiceVersion records the binary version on the trace resource.
func WithServiceVersion(v string) TracingOption {
	return func(o *tracingOptions) { o.version = v }
}

// WithSpanExporter replaces the OTLP exporter. Spans are exported
// synchronously, which tests rely on.
func WithSpanExporter(exp sdktrace.SpanExporter) TracingOption {
	return func(o *tracingOptions) { o.exporter = exp }
}

// NewTracerSetup builds a TracerProvider exporting over OTLP (grpc or http).
// It returns nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig, opts ...TracingOption) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	var o tracingOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}

	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(o.exporter))
	} else {
		exporter, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the named tracer, or a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans and stops the provider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RequestAttributes describes an approval request on a span.
func RequestAttributes(req *workflow.ApprovalRequest) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrRequestID.String(req.RequestID),
		AttrRequestStatus.String(string(req.Status)),
		AttrStageIndex.Int(req.CurrentStageIndex),
		AttrRequestVersion.Int64(req.Version),
	}
}

// ConfigAttributes describes the workflow config on a span.
func ConfigAttributes(cfg *workflow.Config) []attribute.KeyValue {
	if cfg == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrConfigVersion.Int64(cfg.Version),
		AttrRoleOrder.String(strings.Join(cfg.RoleOrder, ",")),
	}
}
