// Package telemetry bootstraps the optional OpenTelemetry tracer and
// injects trace context into outgoing envelopes. Tracing absent is the
// normal case; everything here degrades to no-ops.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs an OTLP/gRPC tracer provider for the given endpoint and
// returns its shutdown function. An empty endpoint returns a nil shutdown
// and leaves the global no-op provider in place.
func Setup(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}

// Injector produces trace-context pairs for envelopes by starting a short
// publish span per message. It satisfies the bridge's TraceInjector.
type Injector struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewInjector builds an injector over the globally installed provider.
// Callers that never ran Setup get no-op spans and nil injections.
func NewInjector() *Injector {
	return &Injector{
		tracer:     otel.Tracer("binance-nats-bridge"),
		propagator: propagation.TraceContext{},
	}
}

// Inject starts a publish span and returns its serialized context, or nil
// when no recording tracer is installed.
func (i *Injector) Inject(ctx context.Context) map[string]string {
	spanCtx, span := i.tracer.Start(ctx, "bridge.publish")
	defer span.End()

	carrier := propagation.MapCarrier{}
	i.propagator.Inject(spanCtx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}
