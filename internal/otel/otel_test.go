package otel

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInitDisabledShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitCustomServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "fabric-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInitSampleRate(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "task.claim",
		AttrTaskID.String("test-task"),
		AttrTaskType.String("work"),
	)
	span.End()
	_ = ctx

	ctx2, span2 := StartServerSpan(context.Background(), p.Tracer, "gateway.task_submit")
	span2.End()
	_ = ctx2

	ctx3, span3 := StartClientSpan(context.Background(), p.Tracer, "runner.run",
		AttrRunnerID.String("main"),
	)
	span3.End()
	_ = ctx3
}
