package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "mail-gateway"

// Telemetry bundles the tracer and the counters shared by the gateway components
type Telemetry struct {
	tracer trace.Tracer

	composeCount    metric.Int64Counter
	composeErrors   metric.Int64Counter
	retrieveLatency metric.Float64Histogram
	retrieveErrors  metric.Int64Counter
	messagesFetched metric.Int64Counter
	messagesSkipped metric.Int64Counter
}

var (
	defaultOnce sync.Once
	defaultTel  *Telemetry
)

// Default returns instrumentation bound to the global OpenTelemetry providers.
// Without an SDK installed every call is a no-op.
func Default() *Telemetry {
	defaultOnce.Do(func() {
		t, err := New(otel.GetTracerProvider(), otel.GetMeterProvider())
		if err != nil {
			otel.Handle(err)
			t, _ = New(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
		}
		defaultTel = t
	})
	return defaultTel
}

// New creates instrumentation from explicit providers
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}
	meter := mp.Meter(instrumentationName)

	var err error
	t.composeCount, err = meter.Int64Counter(
		"gateway.compose.count",
		metric.WithDescription("Number of compose requests"),
	)
	if err != nil {
		return nil, err
	}

	t.composeErrors, err = meter.Int64Counter(
		"gateway.compose.errors",
		metric.WithDescription("Number of failed compose requests"),
	)
	if err != nil {
		return nil, err
	}

	t.retrieveLatency, err = meter.Float64Histogram(
		"retrieval.session.duration",
		metric.WithDescription("Duration of retrieval sessions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	t.retrieveErrors, err = meter.Int64Counter(
		"retrieval.session.errors",
		metric.WithDescription("Number of failed retrieval sessions"),
	)
	if err != nil {
		return nil, err
	}

	t.messagesFetched, err = meter.Int64Counter(
		"retrieval.messages.fetched",
		metric.WithDescription("Number of messages parsed into records"),
	)
	if err != nil {
		return nil, err
	}

	t.messagesSkipped, err = meter.Int64Counter(
		"retrieval.messages.skipped",
		metric.WithDescription("Number of fetched messages that could not be parsed"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// StartSpan starts a span named after the operation
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks the span failed when err is set, then ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordCompose counts one compose attempt
func (t *Telemetry) RecordCompose(ctx context.Context, err error) {
	t.composeCount.Add(ctx, 1)
	if err != nil {
		t.composeErrors.Add(ctx, 1)
	}
}

// RecordRetrieve records the outcome of one retrieval session
func (t *Telemetry) RecordRetrieve(ctx context.Context, mailbox string, elapsed time.Duration, fetched, skipped int, err error) {
	attrs := metric.WithAttributes(attribute.String("mailbox", mailbox))
	t.retrieveLatency.Record(ctx, elapsed.Seconds(), attrs)
	t.messagesFetched.Add(ctx, int64(fetched), attrs)
	t.messagesSkipped.Add(ctx, int64(skipped), attrs)
	if err != nil {
		t.retrieveErrors.Add(ctx, 1, attrs)
	}
}
