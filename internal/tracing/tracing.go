// Package tracing installs the OpenTelemetry tracer provider of the service.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/spigell/career-advice"

// Tracer returns the tracer used by the service packages. Without Setup it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// NewProvider builds a tracer provider that reports finished spans to the logger.
func NewProvider(logger *zap.Logger, service, version string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(&logProcessor{logger: logger}),
	)
}

// Setup installs the provider globally when enabled and returns its shutdown function.
func Setup(enabled bool, logger *zap.Logger, service, version string) func(context.Context) error {
	if !enabled {
		return func(context.Context) error { return nil }
	}

	provider := NewProvider(logger, service, version)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", zap.String("service", service))

	return provider.Shutdown
}

// logProcessor writes every finished span as a debug entry.
type logProcessor struct {
	logger *zap.Logger
}

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if p.logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		zap.String("status", s.Status().Code.String()),
	}
	if desc := s.Status().Description; desc != "" {
		fields = append(fields, zap.String("status_description", desc))
	}
	for _, attr := range s.Attributes() {
		fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
	}

	p.logger.Debug("span finished", fields...)
}

func (p *logProcessor) Shutdown(context.Context) error {
	if p.logger != nil {
		_ = p.logger.Sync()
	}
	return nil
}

func (p *logProcessor) ForceFlush(context.Context) error { return nil }
