package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	monitoringmetrics "github.com/compozy/taskvisor/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type hostCallOutcome string

const (
	outcomeGranted hostCallOutcome = "granted"
	outcomeCached  hostCallOutcome = "cached"
	outcomeDenied  hostCallOutcome = "denied"
)

type runtimeMetrics struct {
	initOnce sync.Once

	executionLatency metric.Float64Histogram
	hostCalls        metric.Int64Counter
	scriptErrors     metric.Int64Counter
}

var metricsContainer runtimeMetrics

func metricsRecorder() *runtimeMetrics {
	metricsContainer.initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("taskvisor.runtime")
		metricsContainer.executionLatency = createRuntimeHistogram(
			meter,
			monitoringmetrics.MetricNameWithSubsystem("runtime", "phase_seconds"),
			"Time spent in script execution phases",
			"s",
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		)
		metricsContainer.hostCalls = createRuntimeCounter(
			meter,
			monitoringmetrics.MetricNameWithSubsystem("runtime", "host_calls_total"),
			"Capability-gated host API calls by outcome",
		)
		metricsContainer.scriptErrors = createRuntimeCounter(
			meter,
			monitoringmetrics.MetricNameWithSubsystem("runtime", "script_errors_total"),
			"Script phases that ended with an error",
		)
	})
	return &metricsContainer
}

func createRuntimeHistogram(
	meter metric.Meter,
	name string,
	description string,
	unit string,
	boundaries []float64,
) metric.Float64Histogram {
	histogram, err := meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(boundaries...),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runtime histogram %s: %w", name, err))
	}
	return histogram
}

func createRuntimeCounter(
	meter metric.Meter,
	name string,
	description string,
) metric.Int64Counter {
	counter, err := meter.Int64Counter(
		name,
		metric.WithDescription(description),
		metric.WithUnit("1"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runtime counter %s: %w", name, err))
	}
	return counter
}

func errorKind(err error) string {
	var compileErr *CompileError
	var scriptErr *ScriptError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.As(err, &compileErr):
		return "compile"
	case errors.As(err, &scriptErr):
		return "script"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

func recordExecution(ctx context.Context, phase string, duration time.Duration, err error) {
	recorder := metricsRecorder()
	kind := errorKind(err)
	ctx = context.WithoutCancel(ctx)
	if recorder.executionLatency != nil {
		recorder.executionLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("phase", phase),
				attribute.String("error_kind", kind),
			),
		)
	}
	if err != nil && recorder.scriptErrors != nil {
		recorder.scriptErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("phase", phase),
				attribute.String("error_kind", kind),
			),
		)
	}
}

func recordHostCall(ctx context.Context, api string, outcome hostCallOutcome) {
	recorder := metricsRecorder()
	if recorder.hostCalls == nil {
		return
	}
	recorder.hostCalls.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(
			attribute.String("api", api),
			attribute.String("outcome", string(outcome)),
		),
	)
}
