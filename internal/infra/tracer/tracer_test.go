package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"convoagent/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "stdout", "stderr"} {
		t.Run(exp, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		})
	}
}

func TestSetupUnsupported(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := StartSpan(context.Background(), "gateway.chat")
	span.SetAttributes(StringAttr("backend", "primary"), IntAttr("tokens", 3), BoolAttr("failover", true), Float64Attr("cost", 0.5))
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	_, ok := StartSpan(context.Background(), "agent.turn")
	SetOK(ok)
	ok.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Attributes()) != 4 {
		t.Errorf("attributes = %d, want 4", len(spans[0].Attributes()))
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[1].Status().Code)
	}
}
