package judge

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const judgeMeterName = "github.com/opencellcw/ulf-warden-sub010/internal/judge"

var (
	judgeTokensHistogram   metric.Int64Histogram
	judgeCostHistogram     metric.Float64Histogram
	judgeMetricsOnce       sync.Once
	judgeMetricsRegistered bool
)

func initJudgeMetrics() {
	meter := otel.Meter(judgeMeterName)
	var err error
	judgeTokensHistogram, err = meter.Int64Histogram(
		"warden.judge.tokens",
		metric.WithDescription("Total tokens consumed per judge call"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	judgeCostHistogram, err = meter.Float64Histogram(
		"warden.judge.cost",
		metric.WithDescription("Cost in EUR per judge call"),
		metric.WithUnit("eur"),
	)
	if err != nil {
		return
	}
	judgeMetricsRegistered = true
}

// recordJudgeTokens records token consumption after a judge call. Provider
// and model attributes allow per-backend filtering in observability tooling.
func recordJudgeTokens(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	judgeMetricsOnce.Do(initJudgeMetrics)
	if !judgeMetricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	judgeTokensHistogram.Record(ctx, int64(inputTokens+outputTokens), attrs)
}

// RecordCost records the estimated cost of one judge call. Callers hold the
// Provider and so own the EstimateCost result; this only emits it.
func RecordCost(ctx context.Context, costEUR float64, provider, model string) {
	judgeMetricsOnce.Do(initJudgeMetrics)
	if !judgeMetricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	judgeCostHistogram.Record(ctx, costEUR, attrs)
}
