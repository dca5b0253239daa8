package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

const instrumentationName = "github.com/growthpigs/bravo-revos-sub004/internal/engine"

// runMetrics holds the engine's instruments. Instrument creation errors fall
// back to no-op instruments from the same provider.
type runMetrics struct {
	runs     metric.Int64Counter
	actions  metric.Int64Counter
	duration metric.Float64Histogram
}

func newRunMetrics(provider metric.MeterProvider) *runMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	m := &runMetrics{}
	m.runs, _ = meter.Int64Counter("automation.runs",
		metric.WithDescription("Finalized workflow runs by status"))
	m.actions, _ = meter.Int64Counter("automation.actions",
		metric.WithDescription("Action results by type and status"))
	m.duration, _ = meter.Float64Histogram("automation.action.duration",
		metric.WithDescription("Action handler duration"),
		metric.WithUnit("ms"))
	return m
}

func (m *runMetrics) recordRun(ctx context.Context, status schema.RunStatus) {
	if m.runs == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *runMetrics) recordAction(ctx context.Context, r schema.ActionResult) {
	attrs := metric.WithAttributes(
		attribute.String("type", string(r.ActionType)),
		attribute.String("status", string(r.Status)),
	)
	if m.actions != nil {
		m.actions.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(r.DurationMs), attrs)
	}
}

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(instrumentationName)
}
