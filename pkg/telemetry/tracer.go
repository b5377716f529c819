package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Span attribute keys.
var (
	AttrCycleID     = attribute.Key("cycle.id")
	AttrCycleNumber = attribute.Key("cycle.number")
	AttrPluginName  = attribute.Key("plugin.name")
	AttrPluginStage = attribute.Key("plugin.stage")
	AttrPluginPath  = attribute.Key("plugin.path")
	AttrErrorKind   = attribute.Key("error.kind")
	AttrSinkName    = attribute.Key("sink.name")
)

// Tracer creates spans for cycles, plugin loads and runs, and sink
// publishes. A disabled Tracer still hands out spans; they go nowhere.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. When tracing is enabled the provider is also
// installed as the global otel provider.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return newTracer(sdktrace.NewTracerProvider(), serviceName), nil
	}

	res, err := newResource(serviceName, serviceVersion, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return newTracer(provider, serviceName), nil
}

func newTracer(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}
}

func newResource(serviceName, serviceVersion, environment string) (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
}

// newExporter returns nil for the "none" exporter: spans are sampled and
// ended but never leave the process.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("pluginmon")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartCycleSpan starts the root span of a scheduler cycle.
func (t *Tracer) StartCycleSpan(ctx context.Context, cycleID string, number int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "cycle.execute",
		AttrCycleID.String(cycleID),
		AttrCycleNumber.Int(number),
	)
}

// StartPluginSpan starts a span for one stage of one plugin.
func (t *Tracer) StartPluginSpan(ctx context.Context, src plugin.Source, stage plugin.Stage) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plugin."+string(stage),
		AttrPluginName.String(src.Name),
		AttrPluginStage.String(string(stage)),
		AttrPluginPath.String(src.Path),
	)
}

// RecordError records err on the span and marks it failed. A nil err marks
// the span successful.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordOutcome sets the span status from a plugin outcome and tags failures
// with their error kind.
func RecordOutcome(span trace.Span, o plugin.Outcome) {
	if !o.OK() {
		span.SetAttributes(AttrErrorKind.String(string(plugin.KindOf(o.Err))))
	}
	RecordError(span, o.Err)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
