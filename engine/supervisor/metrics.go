package supervisor

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

type supervisorMetrics struct {
	initOnce sync.Once

	started      metric.Int64Counter
	finished     metric.Int64Counter
	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	joinTimeouts metric.Int64Counter
}

var metricsContainer supervisorMetrics

func metricsRecorder() *supervisorMetrics {
	metricsContainer.initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("taskvisor.supervisor")
		var err error
		metricsContainer.started, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("tasks", "started_total"),
			metric.WithDescription("Tasks accepted by the supervisor"),
			metric.WithUnit("1"),
		)
		must(err)
		metricsContainer.finished, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("tasks", "finished_total"),
			metric.WithDescription("Tasks that reached a terminal state, by state"),
			metric.WithUnit("1"),
		)
		must(err)
		metricsContainer.duration, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("tasks", "duration_seconds"),
			metric.WithDescription("Wall time from start to terminal state"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.TaskDurationBuckets...),
		)
		must(err)
		metricsContainer.active, err = meter.Int64UpDownCounter(
			monitoringmetrics.MetricNameWithSubsystem("tasks", "active"),
			metric.WithDescription("Tasks with a live worker"),
			metric.WithUnit("1"),
		)
		must(err)
		metricsContainer.joinTimeouts, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("tasks", "join_timeouts_total"),
			metric.WithDescription("Stopped tasks whose engine did not exit within the join timeout"),
			metric.WithUnit("1"),
		)
		must(err)
	})
	return &metricsContainer
}

func must(err error) {
	if err != nil {
		panic(fmt.Errorf("failed to create supervisor metric: %w", err))
	}
}

func recordStarted(ctx context.Context) {
	r := metricsRecorder()
	r.started.Add(ctx, 1)
	r.active.Add(ctx, 1)
}

func recordFinished(ctx context.Context, state task.State, elapsed time.Duration, hadWorker bool) {
	r := metricsRecorder()
	attrs := metric.WithAttributes(attribute.String("state", state.String()))
	r.finished.Add(ctx, 1, attrs)
	r.duration.Record(ctx, elapsed.Seconds(), attrs)
	if hadWorker {
		r.active.Add(ctx, -1)
	}
}

func recordJoinTimeout(ctx context.Context) {
	metricsRecorder().joinTimeouts.Add(ctx, 1)
}
