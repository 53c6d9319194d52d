package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/engine/task"
	"github.com/compozy/taskvisor/pkg/logger"
)

// Broker owns the per-task prompt channels.
type Broker struct {
	mu       sync.Mutex
	channels map[string]chan task.Resolution
	registry *task.Registry
	sink     notify.Sink
}

func NewBroker(registry *task.Registry, sink notify.Sink) *Broker {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Broker{
		channels: make(map[string]chan task.Resolution),
		registry: registry,
		sink:     sink,
	}
}

// Open creates the prompt channel for a task. Opening an id twice keeps
// the existing channel.
func (b *Broker) Open(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[id]; ok {
		return
	}
	b.channels[id] = make(chan task.Resolution, 1)
}

// IsOpen reports whether a task currently has a prompt channel.
func (b *Broker) IsOpen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[id]
	return ok
}

// Close drops the task's channel; a requester parked on it gets DENY.
func (b *Broker) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[id]; ok {
		delete(b.channels, id)
		close(ch)
	}
}

// Request records the prompt, parks the caller until it is answered and
// returns the answer. It returns DENY when the channel is missing or
// closed, or when ctx ends first.
func (b *Broker) Request(ctx context.Context, id string, prompt task.Prompt) task.Resolution {
	log := logger.FromContext(ctx).With("task_id", id, "capability", prompt.Capability)
	b.mu.Lock()
	ch, ok := b.channels[id]
	b.mu.Unlock()
	if !ok {
		log.Debug("permission requested without an open channel")
		return task.ResolutionDeny
	}
	snap, err := b.registry.Mutate(id, func(rec *task.Record, now time.Time) error {
		return rec.BeginPrompt(prompt, now)
	})
	if err != nil {
		logMutateFailure(log, "begin prompt", err)
		return task.ResolutionDeny
	}
	b.sink.Notify(ctx, snap)
	started := time.Now()
	var (
		res      task.Resolution
		received bool
	)
	select {
	case r, open := <-ch:
		res, received = r, open
	case <-ctx.Done():
	}
	b.mu.Lock()
	if !received {
		// An answer may have landed between ctx ending and taking the lock.
		select {
		case r, open := <-ch:
			res, received = r, open
		default:
		}
	}
	if !received {
		res = task.ResolutionDeny
	}
	snap, err = b.registry.Mutate(id, func(rec *task.Record, now time.Time) error {
		return rec.EndPrompt(task.ResolutionDeny, now)
	})
	b.mu.Unlock()
	recordPrompt(ctx, prompt.Capability, res, time.Since(started))
	if err != nil {
		logMutateFailure(log, "end prompt", err)
		return res
	}
	b.sink.Notify(ctx, snap)
	return res
}

// Resolve answers the pending prompt of a task. It reports false and does
// nothing when the task has no channel or no unanswered prompt.
func (b *Broker) Resolve(ctx context.Context, id string, res task.Resolution) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		return false
	}
	_, err := b.registry.Mutate(id, func(rec *task.Record, now time.Time) error {
		if rec.State() != task.StateWaitingForPermission {
			return task.ErrUnchanged
		}
		return rec.ResolvePrompt(res, now)
	})
	if err != nil {
		if !errors.Is(err, task.ErrUnchanged) {
			logger.FromContext(ctx).Warn("failed to resolve prompt", "task_id", id, "error", err)
		}
		return false
	}
	select {
	case ch <- res:
	default:
		logger.FromContext(ctx).Error("prompt channel unexpectedly full", "task_id", id)
	}
	return true
}

// logMutateFailure treats a missing record as an invariant violation and
// everything else as routine.
func logMutateFailure(log logger.Logger, op string, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		log.Error("task record missing during "+op, "error", err)
	case errors.Is(err, task.ErrUnchanged):
	default:
		log.Debug("skipped "+op, "error", err)
	}
}
