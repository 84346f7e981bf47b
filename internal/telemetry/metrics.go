package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/forem/forem-sub087"

// Delivery outcomes recorded on campaign_deliveries_total.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics holds the pipeline's OpenTelemetry instruments.
type Metrics struct {
	deliveries   metric.Int64Counter
	taskDuration metric.Float64Histogram
	tasks        metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	deliveries, err := meter.Int64Counter("campaign_deliveries_total",
		metric.WithDescription("Messages handled by the campaign pipeline, by flow and outcome"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("campaign_task_duration_seconds",
		metric.WithDescription("Task handler duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	tasks, err := meter.Int64Counter("campaign_tasks_total",
		metric.WithDescription("Task handler executions, by type and status"))
	if err != nil {
		return nil, err
	}

	return &Metrics{deliveries: deliveries, taskDuration: taskDuration, tasks: tasks}, nil
}

// RecordDeliveries adds n to the delivery counter. Zero counts are dropped.
func (m *Metrics) RecordDeliveries(ctx context.Context, flow, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("outcome", outcome),
	))
}

// RecordTask records one handler execution.
func (m *Metrics) RecordTask(ctx context.Context, taskType string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	m.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.tasks.Add(ctx, 1, attrs)
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to the global meter provider. Instruments created
// before the provider is installed are delegated once it is.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(instrumentationName))
		if err != nil {
			LogFromContext(context.Background()).WithError(err).Warn("Failed to create pipeline metrics")
			return
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// StartSpan starts a span on the pipeline tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}
