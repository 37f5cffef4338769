package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime kernel's metric instruments. A nil *Metrics is a
// valid no-op receiver, so callers never have to guard.
type Metrics struct {
	enqueued        metric.Int64Counter
	deduplicated    metric.Int64Counter
	interrupted     metric.Int64Counter
	handlerDuration metric.Float64Histogram
	activeSessions  metric.Int64UpDownCounter
	remindersFired  metric.Int64Counter
}

// NewMetrics creates the kernel instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.enqueued, err = meter.Int64Counter("mozi.queue.enqueued",
		metric.WithDescription("Queue items accepted by admission"),
	)
	if err != nil {
		return nil, err
	}
	m.deduplicated, err = meter.Int64Counter("mozi.queue.deduplicated",
		metric.WithDescription("Envelopes dropped by dedup key"),
	)
	if err != nil {
		return nil, err
	}
	m.interrupted, err = meter.Int64Counter("mozi.queue.interrupted",
		metric.WithDescription("Queue items transitioned to interrupted"),
	)
	if err != nil {
		return nil, err
	}
	m.handlerDuration, err = meter.Float64Histogram("mozi.handler.duration",
		metric.WithDescription("Handler invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.activeSessions, err = meter.Int64UpDownCounter("mozi.kernel.active_sessions",
		metric.WithDescription("Sessions with a handler invocation in flight"),
	)
	if err != nil {
		return nil, err
	}
	m.remindersFired, err = meter.Int64Counter("mozi.reminders.fired",
		metric.WithDescription("Reminders fired into the queue"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEnqueued counts one accepted queue item for the given mode.
func (m *Metrics) RecordEnqueued(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordDeduplicated counts one envelope dropped by dedup.
func (m *Metrics) RecordDeduplicated(ctx context.Context) {
	if m == nil {
		return
	}
	m.deduplicated.Add(ctx, 1)
}

// RecordInterrupted counts items transitioned to interrupted.
func (m *Metrics) RecordInterrupted(ctx context.Context, count int64, reason string) {
	if m == nil || count <= 0 {
		return
	}
	m.interrupted.Add(ctx, count, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHandlerDuration records one handler invocation.
func (m *Metrics) RecordHandlerDuration(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.handlerDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SessionActive adjusts the in-flight session gauge.
func (m *Metrics) SessionActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, delta)
}

// RecordReminderFired counts one fired reminder.
func (m *Metrics) RecordReminderFired(ctx context.Context) {
	if m == nil {
		return
	}
	m.remindersFired.Add(ctx, 1)
}
