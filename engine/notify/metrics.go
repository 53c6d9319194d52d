package notify

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/compozy/taskvisor/engine/infra/monitoring/metrics"
)

const (
	sinkBroadcast = "broadcast"
	sinkRedis     = "redis"
)

type notifyMetrics struct {
	initOnce  sync.Once
	dropped   metric.Int64Counter
	published metric.Int64Counter
}

var metricsContainer notifyMetrics

func metricsRecorder() *notifyMetrics {
	metricsContainer.initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("taskvisor.notify")
		metricsContainer.dropped = createCounter(
			meter,
			monitoringmetrics.MetricNameWithSubsystem("notify", "dropped_total"),
			"Task snapshots dropped because a consumer could not keep up",
		)
		metricsContainer.published = createCounter(
			meter,
			monitoringmetrics.MetricNameWithSubsystem("notify", "published_total"),
			"Task snapshots delivered to a sink",
		)
	})
	return &metricsContainer
}

func createCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("1"))
	if err != nil {
		panic(fmt.Errorf("failed to create notify counter %s: %w", name, err))
	}
	return counter
}

func recordDropped(ctx context.Context, sink string) {
	metricsRecorder().dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func recordPublished(ctx context.Context, sink string) {
	metricsRecorder().published.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
