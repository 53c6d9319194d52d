package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compozy/taskvisor/pkg/logger"
)

const (
	streamTracerName         = "taskvisor.stream"
	streamConnectedEvent     = "stream.connected"
	streamEventEmission      = "stream.event"
	streamClosedEvent        = "stream.closed"
	streamHeartbeatEventType = "heartbeat"
)

const (
	// StreamReasonTerminal marks a stream that ended with the task.
	StreamReasonTerminal = "terminal_status"
	// StreamReasonContextCanceled marks a stream closed by the client.
	StreamReasonContextCanceled = "context_canceled"
	// StreamReasonSubscriptionClosed marks a feed that closed under the stream.
	StreamReasonSubscriptionClosed = "subscription_closed"
	// StreamReasonStreamError marks a failed write or encode.
	StreamReasonStreamError = "stream_error"
)

// StreamCloseInfo describes why a stream ended.
type StreamCloseInfo struct {
	Reason      string
	Error       error
	State       string
	LastEventID int64
}

// StreamTelemetry wraps one SSE connection in a server span and logs its
// lifecycle.
type StreamTelemetry struct {
	ctx       context.Context
	kind      string
	taskID    string
	start     time.Time
	events    int64
	span      trace.Span
	closeOnce sync.Once
}

func NewStreamTelemetry(ctx context.Context, kind string, taskID string) *StreamTelemetry {
	tracer := otel.Tracer(streamTracerName)
	spanCtx, span := tracer.Start(
		ctx,
		"stream."+kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("stream.kind", kind),
			attribute.String("stream.task_id", taskID),
		),
	)
	return &StreamTelemetry{
		ctx:    spanCtx,
		kind:   kind,
		taskID: taskID,
		start:  time.Now(),
		span:   span,
	}
}

// Context carries the stream span.
func (t *StreamTelemetry) Context() context.Context {
	return t.ctx
}

func (t *StreamTelemetry) Connected() {
	if t == nil {
		return
	}
	logger.FromContext(t.ctx).Debug("Task stream connected", "task_id", t.taskID)
	t.span.AddEvent(streamConnectedEvent)
}

func (t *StreamTelemetry) RecordEvent(eventType string) {
	if t == nil {
		return
	}
	t.events++
	t.span.AddEvent(
		streamEventEmission,
		trace.WithAttributes(
			attribute.String("stream.event.type", eventType),
			attribute.Int64("stream.event.sequence", t.events),
		),
	)
}

func (t *StreamTelemetry) RecordHeartbeat() {
	t.RecordEvent(streamHeartbeatEventType)
}

// Close ends the span once; later calls do nothing.
func (t *StreamTelemetry) Close(info StreamCloseInfo) {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		t.finish(info)
	})
}

func (t *StreamTelemetry) finish(info StreamCloseInfo) {
	duration := time.Since(t.start)
	log := logger.FromContext(t.ctx)
	fields := []any{
		"task_id", t.taskID,
		"duration", duration,
		"events", t.events,
		"last_event_id", info.LastEventID,
		"reason", info.Reason,
	}
	if info.State != "" {
		fields = append(fields, "state", info.State)
	}
	if info.Error != nil {
		log.Warn("Task stream terminated with error", append(fields, "error", info.Error)...)
		t.span.RecordError(info.Error)
		t.span.SetStatus(codes.Error, info.Error.Error())
	} else {
		log.Debug("Task stream disconnected", fields...)
		t.span.SetStatus(codes.Ok, "completed")
	}
	attrs := []attribute.KeyValue{
		attribute.String("stream.kind", t.kind),
		attribute.String("stream.reason", info.Reason),
		attribute.Float64("stream.duration_seconds", duration.Seconds()),
		attribute.Int64("stream.events", t.events),
		attribute.Int64("stream.last_event_id", info.LastEventID),
	}
	if info.State != "" {
		attrs = append(attrs, attribute.String("stream.state", info.State))
	}
	t.span.AddEvent(streamClosedEvent, trace.WithAttributes(attrs...))
	t.span.End()
}
