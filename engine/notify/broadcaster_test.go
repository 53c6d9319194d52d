package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compozy/taskvisor/engine/task"
)

func TestBroadcaster(t *testing.T) {
	t.Run("Should deliver snapshots to all subscribers", func(t *testing.T) {
		b := NewBroadcaster(4)
		s1 := b.Subscribe()
		s2 := b.Subscribe()
		defer s1.Close()
		defer s2.Close()

		b.Notify(t.Context(), task.Snapshot{ID: "t1", State: task.StateRunning})

		assert.Equal(t, "t1", (<-s1.C()).ID)
		assert.Equal(t, "t1", (<-s2.C()).ID)
	})

	t.Run("Should filter task subscriptions by id", func(t *testing.T) {
		b := NewBroadcaster(4)
		sub := b.SubscribeTask("t2")
		defer sub.Close()

		b.Notify(t.Context(), task.Snapshot{ID: "t1"})
		b.Notify(t.Context(), task.Snapshot{ID: "t2"})

		require.Len(t, sub.C(), 1)
		assert.Equal(t, "t2", (<-sub.C()).ID)
	})

	t.Run("Should drop instead of blocking when a subscriber is full", func(t *testing.T) {
		b := NewBroadcaster(1)
		sub := b.Subscribe()
		defer sub.Close()

		b.Notify(t.Context(), task.Snapshot{ID: "t1", State: task.StateRunning})
		b.Notify(t.Context(), task.Snapshot{ID: "t1", State: task.StateCompleted})

		assert.Equal(t, int64(1), b.Dropped())
		assert.Equal(t, task.StateRunning, (<-sub.C()).State)
	})

	t.Run("Should close subscription channels idempotently", func(t *testing.T) {
		b := NewBroadcaster(0)
		sub := b.Subscribe()
		assert.Equal(t, 1, b.Subscribers())

		sub.Close()
		sub.Close()
		b.Notify(t.Context(), task.Snapshot{ID: "t1"})

		_, open := <-sub.C()
		assert.False(t, open)
		assert.Zero(t, b.Subscribers())
	})
}
