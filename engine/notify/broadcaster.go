package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/compozy/taskvisor/engine/task"
)

const defaultSubscriberBuffer = 64

// Broadcaster delivers snapshots to in-process subscribers. A subscriber
// whose buffer is full misses the snapshot; the publisher never waits.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is a live feed of snapshots. Close is idempotent.
type Subscription struct {
	b      *Broadcaster
	taskID string
	ch     chan task.Snapshot
	once   sync.Once
}

// C returns the receive side of the feed. It is closed by Close.
func (s *Subscription) C() <-chan task.Snapshot {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

// Subscribe returns a feed of every snapshot.
func (b *Broadcaster) Subscribe() *Subscription {
	return b.subscribe("")
}

// SubscribeTask returns a feed limited to one task id.
func (b *Broadcaster) SubscribeTask(taskID string) *Subscription {
	return b.subscribe(taskID)
}

func (b *Broadcaster) subscribe(taskID string) *Subscription {
	sub := &Subscription{b: b, taskID: taskID, ch: make(chan task.Snapshot, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) Notify(ctx context.Context, snap task.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.taskID != "" && sub.taskID != snap.ID {
			continue
		}
		select {
		case sub.ch <- snap:
			recordPublished(ctx, sinkBroadcast)
		default:
			b.dropped.Add(1)
			recordDropped(ctx, sinkBroadcast)
		}
	}
}

// Dropped returns how many deliveries were skipped due to full buffers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
