package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestEndSpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvent  string
	}{
		{name: "success", err: nil, wantStatus: codes.Ok},
		{name: "failure", err: errors.New("handshake refused"), wantStatus: codes.Error, wantEvent: "exception"},
		{name: "wrapped failure", err: fmt.Errorf("study: quiz: %w", errors.New("boom")), wantStatus: codes.Error, wantEvent: "exception"},
		{name: "cancelled", err: fmt.Errorf("voice: %w", context.Canceled), wantStatus: codes.Unset, wantEvent: "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp, exp := newTestTracerProvider(t)
			_, span := tp.Tracer("test").Start(context.Background(), "voice.connect")
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			got := spans[0]
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", got.Status.Code, tt.wantStatus)
			}
			if tt.wantEvent == "" {
				if len(got.Events) != 0 {
					t.Errorf("events = %v, want none", got.Events)
				}
				return
			}
			if len(got.Events) != 1 || got.Events[0].Name != tt.wantEvent {
				t.Errorf("events = %v, want one %q event", got.Events, tt.wantEvent)
			}
		})
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "study.flashcards")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.SetAttributes(AttrLLMKind.String("flashcards"), AttrLLMModel.String("gemini-2.5-flash"))
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "study.flashcards" {
		t.Fatalf("spans = %v, want one study.flashcards span", spans)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["elevated.llm.kind"] != "flashcards" || attrs["elevated.llm.model"] != "gemini-2.5-flash" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "request")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 {
			t.Fatalf("correlation ID %q has length %d, want 32", cid, len(cid))
		}
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLogger_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span contains trace_id: %s", buf.String())
	}
	buf.Reset()

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	defer span.End()
	Logger(ctx).Info("with span")

	logged := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q: %s", want, logged)
		}
	}
}
