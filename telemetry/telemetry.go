package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	serviceName    string
	serviceVersion string
}

func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, exp Exporter) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, exp)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, exp)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceName, oteltrace.WithInstrumentationVersion(serviceVersion)),

		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}, nil
}

// Noop records nothing.
func Noop() *Telemetry {
	return &Telemetry{
		meter:       metricnoop.NewMeterProvider().Meter("noop"),
		tracer:      tracenoop.NewTracerProvider().Tracer("noop"),
		serviceName: "noop",
	}
}

// WithMeterProvider builds a Telemetry around an existing meter provider;
// spans are dropped.
func WithMeterProvider(serviceName string, mp *metric.MeterProvider) *Telemetry {
	return &Telemetry{
		mp:          mp,
		meter:       mp.Meter(serviceName),
		tracer:      tracenoop.NewTracerProvider().Tracer(serviceName),
		serviceName: serviceName,
	}
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

func (t *Telemetry) TraceStart(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
