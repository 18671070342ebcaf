package logging

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(service string) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewWithZap(service, zap.New(core)), logs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "scheduler"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "courier-api-v1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.Service(), tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	logger, logs := newObserved("scheduler")

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	want := span.SpanContext().TraceID().String()
	logger.WithContext(ctx).Info("with trace")
	span.End()

	logger.WithContext(context.Background()).Info("without trace")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["trace_id"]; got != want {
		t.Errorf("trace_id = %v, want %v", got, want)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("trace_id present without a span")
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	logger, logs := newObserved("scheduler")

	logger.Plain().
		WithTraceID("trace-1").
		WithRecord("rec-1").
		WithChannel("email").
		WithCycle("cycle-7").
		WithField("attempt", 2).
		WithFields(map[string]any{"status_code": 503, "reason": "http_5xx"}).
		WithError(errors.New("boom")).
		Warn("attempt failed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", e.Level)
	}
	if e.Message != "attempt failed" {
		t.Errorf("message = %q", e.Message)
	}

	fields := e.ContextMap()
	want := map[string]any{
		"service":     "scheduler",
		"trace_id":    "trace-1",
		"record_id":   "rec-1",
		"channel":     "email",
		"cycle_id":    "cycle-7",
		"attempt":     int64(2),
		"status_code": int64(503),
		"reason":      "http_5xx",
		"error":       "boom",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %q = %v (%T), want %v (%T)", k, fields[k], fields[k], v, v)
		}
	}
}

func TestLogEntry_WithNilError(t *testing.T) {
	logger, logs := newObserved("api")
	logger.Plain().WithError(nil).Info("fine")

	if _, ok := logs.All()[0].ContextMap()["error"]; ok {
		t.Error("WithError(nil) added an error field")
	}
}

func TestLogEntry_Levels(t *testing.T) {
	logger, logs := newObserved("api")

	logger.Plain().Debug("d")
	logger.Plain().Debugf("d%d", 1)
	logger.Plain().Info("i")
	logger.Plain().Infof("i%d", 1)
	logger.Plain().Warn("w")
	logger.Plain().Warnf("w%d", 1)
	logger.Plain().Error("e")
	logger.Plain().Errorf("e%d", 1)

	want := []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.DebugLevel, "d"}, {zapcore.DebugLevel, "d1"},
		{zapcore.InfoLevel, "i"}, {zapcore.InfoLevel, "i1"},
		{zapcore.WarnLevel, "w"}, {zapcore.WarnLevel, "w1"},
		{zapcore.ErrorLevel, "e"}, {zapcore.ErrorLevel, "e1"},
	}

	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Level != w.level || entries[i].Message != w.msg {
			t.Errorf("entry %d = %v %q, want %v %q", i, entries[i].Level, entries[i].Message, w.level, w.msg)
		}
	}
}

func TestLogger_WithFieldsDoesNotShareMap(t *testing.T) {
	logger, logs := newObserved("api")
	src := map[string]any{"a": 1}

	logger.WithFields(src).WithField("b", 2).Info("x")

	if _, ok := src["b"]; ok {
		t.Error("WithFields() mutated caller's map")
	}
	if got := logs.All()[0].ContextMap()["a"]; got != int64(1) {
		t.Errorf("field a = %v", got)
	}
}

func TestInit(t *testing.T) {
	if err := Init("dev"); err != nil {
		t.Fatalf("Init(dev) error = %v", err)
	}
	if err := Init("production"); err != nil {
		t.Fatalf("Init(production) error = %v", err)
	}
	Sync()
}

func TestSetDefaultService(t *testing.T) {
	SetDefaultService("courier-test")
	defer SetDefaultService("courier")

	if got := Plain().Service; got != "courier-test" {
		t.Errorf("Plain().Service = %q, want courier-test", got)
	}
	if got := WithFields(map[string]any{"k": "v"}).Fields["k"]; got != "v" {
		t.Errorf("WithFields() field = %v", got)
	}
	if got := WithContext(context.Background()).Service; got != "courier-test" {
		t.Errorf("WithContext().Service = %q", got)
	}
}
