package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ErrNoExporterConfigured is returned when neither OTLP nor Jaeger is set up.
var ErrNoExporterConfigured = errors.New("no telemetry exporter configured")

// A simple helper that configures OpenTelemetry for the focus. The OTLP
// exporter takes precedence over the Jaeger one if both are configured.
func SetupTelemetry(config Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	exp, err := newExporter(config)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(serviceName)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider - an entity that puts together the OTel things,
// i.e. it essentially allows to set a "global logger" for the whole application.
// Under the hood it creates span processors, i.e. hooks that receive all the events
// and write them to the exporters (e.g. Jaeger) while associating each of them with
// our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)

	return tp
}

func newExporter(config Config) (tracesdk.SpanExporter, error) {
	if config.OTLP.Host != "" {
		return NewOTLPExporter(config.OTLP)
	}

	if config.JaegerURL != "" {
		return NewJaegerExporter(config.JaegerURL)
	}

	return nil, ErrNoExporterConfigured
}

// Creates an OTLP-over-HTTP exporter.
func NewOTLPExporter(config OTLP) (*otlptrace.Exporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(context.Background(), options...)
}

// Creates a Jaeger exporter.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}

	return exp, nil
}

// Creates a new resource to identify this focus instance.
func NewResource(config Config) (*resource.Resource, error) {
	id := config.ID
	if id == "" {
		// Generate random string ID.
		random, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = random.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		attribute.String("ID", id),
	), nil
}
