package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs a TracerProvider with an in-memory exporter as the
// global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "live.connect")
	if cid := CorrelationID(ctx); len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "live.connect" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "failing")
	EndSpan(span, errors.New("dial refused"))
	_, ok := StartSpan(context.Background(), "fine")
	EndSpan(ok, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "dial refused" {
		t.Errorf("failing span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failing span has no error event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("connected")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") || !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing trace attributes: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}
