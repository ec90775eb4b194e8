// Package observability wires OpenTelemetry metrics for the engine.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/shaharia-lab/pulse"

// Recorder records engine metrics.
// Use NewRecorder for OTel metrics or Noop{} when metrics are disabled.
type Recorder interface {
	EventAppended(ctx context.Context, shard int)
	EventRejected(ctx context.Context, reason string)
	AlertsFired(ctx context.Context, n int)
	HandoffFailed(ctx context.Context)
	DeliveryAttempted(ctx context.Context, feedID, outcome string, items int)
	ItemsDropped(ctx context.Context, feedID string, n int)
	EpochClosed(ctx context.Context, count int64)
}

type otelRecorder struct {
	appended  metric.Int64Counter
	rejected  metric.Int64Counter
	fired     metric.Int64Counter
	handoffs  metric.Int64Counter
	attempts  metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	epochs    metric.Int64Counter
	epochSize metric.Int64Histogram
}

func newOtelRecorder(mp metric.MeterProvider) (*otelRecorder, error) {
	meter := mp.Meter(meterName)
	r := &otelRecorder{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.appended, "pulse.events.appended", "Events committed to the store"},
		{&r.rejected, "pulse.events.rejected", "Appends rejected before commit"},
		{&r.fired, "pulse.alerts.fired", "Alerts fired by the scheduler"},
		{&r.handoffs, "pulse.alerts.handoff_failures", "Fired alerts that could not be handed to the dispatcher"},
		{&r.attempts, "pulse.deliveries.attempts", "Delivery attempts by outcome"},
		{&r.delivered, "pulse.deliveries.items", "Items delivered to sinks"},
		{&r.dropped, "pulse.feeds.dropped", "Buffered items dropped on overflow"},
		{&r.epochs, "pulse.epochs.closed", "Epoch buckets closed"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	hist, err := meter.Int64Histogram("pulse.epochs.events",
		metric.WithDescription("Events per closed epoch bucket"),
	)
	if err != nil {
		return nil, err
	}
	r.epochSize = hist
	return r, nil
}

// NewRecorder returns a Recorder backed by mp. If instrument creation fails
// it logs and returns a no-op recorder.
func NewRecorder(mp metric.MeterProvider, logger *slog.Logger) Recorder {
	r, err := newOtelRecorder(mp)
	if err != nil {
		logger.Warn("metrics initialization failed, using no-op recorder", "error", err)
		return Noop{}
	}
	return r
}

func (r *otelRecorder) EventAppended(ctx context.Context, shard int) {
	r.appended.Add(ctx, 1, metric.WithAttributes(attribute.Int("shard", shard)))
}

func (r *otelRecorder) EventRejected(ctx context.Context, reason string) {
	r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *otelRecorder) AlertsFired(ctx context.Context, n int) {
	if n > 0 {
		r.fired.Add(ctx, int64(n))
	}
}

func (r *otelRecorder) HandoffFailed(ctx context.Context) {
	r.handoffs.Add(ctx, 1)
}

func (r *otelRecorder) DeliveryAttempted(ctx context.Context, feedID, outcome string, items int) {
	attrs := metric.WithAttributes(attribute.String("feed_id", feedID), attribute.String("outcome", outcome))
	r.attempts.Add(ctx, 1, attrs)
	if outcome == "delivered" {
		r.delivered.Add(ctx, int64(items), metric.WithAttributes(attribute.String("feed_id", feedID)))
	}
}

func (r *otelRecorder) ItemsDropped(ctx context.Context, feedID string, n int) {
	r.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("feed_id", feedID)))
}

func (r *otelRecorder) EpochClosed(ctx context.Context, count int64) {
	r.epochs.Add(ctx, 1)
	r.epochSize.Record(ctx, count)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) EventAppended(context.Context, int)                     {}
func (Noop) EventRejected(context.Context, string)                  {}
func (Noop) AlertsFired(context.Context, int)                       {}
func (Noop) HandoffFailed(context.Context)                          {}
func (Noop) DeliveryAttempted(context.Context, string, string, int) {}
func (Noop) ItemsDropped(context.Context, string, int)              {}
func (Noop) EpochClosed(context.Context, int64)                     {}
