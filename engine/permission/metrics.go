package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/compozy/taskvisor/engine/infra/monitoring/metrics"
	"github.com/compozy/taskvisor/engine/task"
)

type permissionMetrics struct {
	initOnce sync.Once
	prompts  metric.Int64Counter
	wait     metric.Float64Histogram
}

var metricsContainer permissionMetrics

func metricsRecorder() *permissionMetrics {
	metricsContainer.initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("taskvisor.permission")
		prompts, err := meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("permission", "prompts_total"),
			metric.WithDescription("Permission prompts answered, by capability and resolution"),
			metric.WithUnit("1"),
		)
		if err != nil {
			panic(fmt.Errorf("failed to create permission counter: %w", err))
		}
		wait, err := meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("permission", "wait_seconds"),
			metric.WithDescription("Time a task spent blocked on a permission prompt"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.PromptWaitBuckets...),
		)
		if err != nil {
			panic(fmt.Errorf("failed to create permission histogram: %w", err))
		}
		metricsContainer.prompts = prompts
		metricsContainer.wait = wait
	})
	return &metricsContainer
}

func recordPrompt(ctx context.Context, capability string, res task.Resolution, waited time.Duration) {
	recorder := metricsRecorder()
	attrs := metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("resolution", res.String()),
	)
	recorder.prompts.Add(ctx, 1, attrs)
	recorder.wait.Record(ctx, waited.Seconds(), attrs)
}
