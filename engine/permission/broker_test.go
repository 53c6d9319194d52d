package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/engine/task"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []task.Snapshot
}

func (s *recordingSink) Notify(_ context.Context, snap task.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) states() []task.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.State, len(s.snaps))
	for i, snap := range s.snaps {
		out[i] = snap.State
	}
	return out
}

func setup(t *testing.T, id string) (*Broker, *task.Registry, *recordingSink) {
	t.Helper()
	reg := task.NewRegistry()
	_, err := reg.Create(task.NewRecord(id, reg.Now()))
	require.NoError(t, err)
	sink := &recordingSink{}
	b := NewBroker(reg, sink)
	b.Open(id)
	return b, reg, sink
}

func netPrompt() task.Prompt {
	return task.Prompt{Message: "fetch https://example.com", Capability: "net", API: "Task.fetch", IsUnary: true}
}

// waitForState polls until the record reaches want.
func waitForState(t *testing.T, reg *task.Registry, id string, want task.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := reg.Get(id)
		return ok && snap.State == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroker_Request(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Should round trip a resolution", func(t *testing.T) {
		b, reg, sink := setup(t, "t1")
		done := make(chan task.Resolution, 1)

		go func() { done <- b.Request(t.Context(), "t1", netPrompt()) }()
		waitForState(t, reg, "t1", task.StateWaitingForPermission)
		snap, _ := reg.Get("t1")
		require.NotNil(t, snap.ActivePrompt)
		assert.Equal(t, "net", snap.ActivePrompt.Capability)

		assert.True(t, b.Resolve(t.Context(), "t1", task.ResolutionAllow))
		assert.Equal(t, task.ResolutionAllow, <-done)

		snap, _ = reg.Get("t1")
		assert.Equal(t, task.StateRunning, snap.State)
		assert.Nil(t, snap.ActivePrompt)
		require.Len(t, snap.PromptHistory, 1)
		assert.Equal(t, task.ResolutionAllow, snap.PromptHistory[0].Resolution)
		assert.Equal(t, []task.State{task.StateWaitingForPermission, task.StateRunning}, sink.states())
	})

	t.Run("Should deny when the channel is closed", func(t *testing.T) {
		b, reg, _ := setup(t, "t2")
		done := make(chan task.Resolution, 1)

		go func() { done <- b.Request(t.Context(), "t2", netPrompt()) }()
		waitForState(t, reg, "t2", task.StateWaitingForPermission)
		b.Close("t2")

		assert.Equal(t, task.ResolutionDeny, <-done)
		snap, _ := reg.Get("t2")
		assert.Equal(t, task.ResolutionDeny, snap.PromptHistory[0].Resolution)
		assert.False(t, b.IsOpen("t2"))
	})

	t.Run("Should deny when the context ends", func(t *testing.T) {
		b, reg, _ := setup(t, "t3")
		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan task.Resolution, 1)

		go func() { done <- b.Request(ctx, "t3", netPrompt()) }()
		waitForState(t, reg, "t3", task.StateWaitingForPermission)
		cancel()

		assert.Equal(t, task.ResolutionDeny, <-done)
		assert.False(t, b.Resolve(t.Context(), "t3", task.ResolutionAllow))
		snap, _ := reg.Get("t3")
		assert.Equal(t, task.StateRunning, snap.State)
		assert.Equal(t, task.ResolutionDeny, snap.PromptHistory[0].Resolution)
	})

	t.Run("Should deny immediately without an open channel", func(t *testing.T) {
		reg := task.NewRegistry()
		_, err := reg.Create(task.NewRecord("t4", reg.Now()))
		require.NoError(t, err)
		b := NewBroker(reg, nil)

		assert.Equal(t, task.ResolutionDeny, b.Request(t.Context(), "t4", netPrompt()))
		snap, _ := reg.Get("t4")
		assert.Empty(t, snap.PromptHistory)
	})

	t.Run("Should deny when the task already finished", func(t *testing.T) {
		b, reg, _ := setup(t, "t5")
		_, err := reg.Mutate("t5", func(rec *task.Record, now time.Time) error {
			return rec.Finish(task.StateStopped, "", now)
		})
		require.NoError(t, err)

		assert.Equal(t, task.ResolutionDeny, b.Request(t.Context(), "t5", netPrompt()))
	})

	t.Run("Should leave a record stopped mid-prompt terminal", func(t *testing.T) {
		b, reg, sink := setup(t, "t6")
		done := make(chan task.Resolution, 1)

		go func() { done <- b.Request(t.Context(), "t6", netPrompt()) }()
		waitForState(t, reg, "t6", task.StateWaitingForPermission)
		_, err := reg.Mutate("t6", func(rec *task.Record, now time.Time) error {
			return rec.Finish(task.StateStopped, "", now)
		})
		require.NoError(t, err)
		b.Close("t6")

		assert.Equal(t, task.ResolutionDeny, <-done)
		snap, _ := reg.Get("t6")
		assert.Equal(t, task.StateStopped, snap.State)
		assert.Equal(t, []task.State{task.StateWaitingForPermission}, sink.states())
	})
}

func TestBroker_Resolve(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Should be a no-op when nothing is pending", func(t *testing.T) {
		b, reg, _ := setup(t, "t1")

		assert.False(t, b.Resolve(t.Context(), "t1", task.ResolutionAllow))
		assert.False(t, b.Resolve(t.Context(), "ghost", task.ResolutionAllow))

		snap, _ := reg.Get("t1")
		assert.Equal(t, task.StateRunning, snap.State)
	})

	t.Run("Should accept only the first answer", func(t *testing.T) {
		b, reg, _ := setup(t, "t2")
		done := make(chan task.Resolution, 1)

		go func() { done <- b.Request(t.Context(), "t2", netPrompt()) }()
		waitForState(t, reg, "t2", task.StateWaitingForPermission)
		first := b.Resolve(t.Context(), "t2", task.ResolutionAllowAll)
		second := b.Resolve(t.Context(), "t2", task.ResolutionDeny)

		assert.True(t, first)
		assert.False(t, second)
		assert.Equal(t, task.ResolutionAllowAll, <-done)
	})

	t.Run("Should not leak a stale answer into the next prompt", func(t *testing.T) {
		b, reg, _ := setup(t, "t3")
		for _, want := range []task.Resolution{task.ResolutionAllow, task.ResolutionDeny} {
			done := make(chan task.Resolution, 1)
			go func() { done <- b.Request(t.Context(), "t3", netPrompt()) }()
			waitForState(t, reg, "t3", task.StateWaitingForPermission)
			require.True(t, b.Resolve(t.Context(), "t3", want))
			assert.Equal(t, want, <-done)
			waitForState(t, reg, "t3", task.StateRunning)
		}
		snap, _ := reg.Get("t3")
		require.Len(t, snap.PromptHistory, 2)
		assert.Equal(t, task.ResolutionAllow, snap.PromptHistory[0].Resolution)
		assert.Equal(t, task.ResolutionDeny, snap.PromptHistory[1].Resolution)
	})
}

func TestBroker_Close(t *testing.T) {
	t.Run("Should tolerate closing unknown and already closed ids", func(t *testing.T) {
		b := NewBroker(task.NewRegistry(), notify.Nop{})
		b.Open("t1")
		b.Open("t1")
		assert.NotPanics(t, func() {
			b.Close("t1")
			b.Close("t1")
			b.Close("ghost")
		})
	})
}
