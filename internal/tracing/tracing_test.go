package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/courier/internal/config"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "courier-test", config.Tracing{Enabled: false})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()

	// the propagator is installed even when export is off
	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "producer")
	defer span.End()
	if _, ok := InjectHeaders(ctx)["traceparent"]; !ok {
		t.Error("traceparent not injected")
	}
}

func TestRecordAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "scheduler.attempt", RecordAttributes("rec-1", "sms", 2, 5)...)
	span.End()

	got := map[attribute.Key]attribute.Value{}
	for _, kv := range exporter.GetSpans()[0].Attributes {
		got[kv.Key] = kv.Value
	}
	if got[RecordIDKey].AsString() != "rec-1" || got[ChannelKey].AsString() != "sms" {
		t.Errorf("attributes = %v", got)
	}
	if got[AttemptKey].AsInt64() != 2 || got[MaxAttemptsKey].AsInt64() != 5 {
		t.Errorf("attempt attributes = %v", got)
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "scheduler.cycle", attribute.Int("batch_size", 50))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "scheduler.cycle" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if kv.Key == "batch_size" && kv.Value.AsInt64() == 50 {
			found = true
		}
	}
	if !found {
		t.Errorf("batch_size attribute missing: %v", spans[0].Attributes)
	}
}

func TestSpanEventAndError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "scheduler.attempt")
	AddSpanEvent(ctx, "throttled", attribute.String("channel", "sms"))
	SetSpanError(ctx, errors.New("store unavailable"))
	SetSpanError(ctx, nil)
	span.End()

	got := exporter.GetSpans()[0]
	if got.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status.Code)
	}
	names := map[string]bool{}
	for _, ev := range got.Events {
		names[ev.Name] = true
	}
	if !names["throttled"] || !names["exception"] {
		t.Errorf("events = %v, want throttled and exception", names)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "producer")
	defer span.End()
	original := GetTraceID(ctx)

	headers := InjectHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	consumerCtx, child := StartSpan(ExtractHeaders(context.Background(), headers), "consumer")
	defer child.End()

	if got := GetTraceID(consumerCtx); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
}

func TestExtractHeadersEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ExtractHeaders(ctx, nil); got != ctx {
		t.Error("ExtractHeaders(nil) should return the input context")
	}
	if got := ExtractHeaders(ctx, map[string]string{"traceparent": "garbage"}); GetTraceID(got) != "" {
		t.Error("ExtractHeaders() with invalid traceparent produced a trace id")
	}
}
