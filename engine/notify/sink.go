package notify

import (
	"context"

	"github.com/compozy/taskvisor/engine/task"
)

// Sink receives task snapshots. Implementations must not block the caller
// and must swallow their own delivery failures.
type Sink interface {
	Notify(ctx context.Context, snap task.Snapshot)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, snap task.Snapshot)

func (f SinkFunc) Notify(ctx context.Context, snap task.Snapshot) {
	f(ctx, snap)
}

// Nop discards every snapshot.
type Nop struct{}

func (Nop) Notify(context.Context, task.Snapshot) {}

// Fanout forwards each snapshot to every sink in order.
type Fanout []Sink

func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Notify(ctx context.Context, snap task.Snapshot) {
	for _, s := range f {
		s.Notify(ctx, snap)
	}
}
