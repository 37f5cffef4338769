package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if provider.Tracer == nil || provider.Meter == nil {
		t.Fatal("disabled provider must still expose tracer and meter")
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	// Every instrument accepts a nil receiver without panicking.
	m.RecordEnqueued(ctx, "followup")
	m.RecordDeduplicated(ctx)
	m.RecordInterrupted(ctx, 3, "preempt")
	m.RecordHandlerDuration(ctx, time.Second, "completed")
	m.SessionActive(ctx, 1)
	m.RecordReminderFired(ctx)
}

func TestNewMetrics_CreatesInstruments(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	m, err := NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordEnqueued(ctx, "collect")
	m.RecordHandlerDuration(ctx, 50*time.Millisecond, "error")
}
