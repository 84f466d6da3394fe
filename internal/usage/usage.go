// Package usage records decision-path metrics: gating decisions by stage
// and outcome, tool execution durations, and retry attempt counts.
// Instruments register lazily against the global meter provider, so
// recording is a no-op until OTel is configured.
package usage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/opencellcw/ulf-warden-sub010/internal/usage"

var (
	decisionCounter   metric.Int64Counter
	executionDuration metric.Float64Histogram
	retryAttempts     metric.Int64Histogram

	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	decisionCounter, err = meter.Int64Counter(
		"warden.decisions",
		metric.WithDescription("Gating decisions by pipeline stage and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return
	}
	executionDuration, err = meter.Float64Histogram(
		"warden.execution.duration",
		metric.WithDescription("Wall-clock duration of governed tool calls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	retryAttempts, err = meter.Int64Histogram(
		"warden.retry.attempts",
		metric.WithDescription("Attempts consumed per retried tool call"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// RecordDecision counts one gating decision, e.g. ("admission", "blocked").
func RecordDecision(ctx context.Context, stage, outcome string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// RecordExecution records one finished tool call, successful or not.
func RecordExecution(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	executionDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// RecordRetryAttempts notes how many attempts a retried call consumed,
// including the first.
func RecordRetryAttempts(ctx context.Context, tool string, attempts int) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	retryAttempts.Record(ctx, int64(attempts), metric.WithAttributes(
		attribute.String("tool", tool),
	))
}
