package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func readPrompt() Prompt {
	return Prompt{Message: "read ./data.txt", Capability: "read", API: "Task.readTextFile", IsUnary: true}
}

func TestRecord_Prompts(t *testing.T) {
	t.Run("Should keep active prompt as last history entry while waiting", func(t *testing.T) {
		rec := NewRecord("t1", t0)

		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))
		snap := rec.Snapshot()

		assert.Equal(t, StateWaitingForPermission, snap.State)
		require.NotNil(t, snap.ActivePrompt)
		require.Len(t, snap.PromptHistory, 1)
		assert.Equal(t, snap.PromptHistory[0], *snap.ActivePrompt)
		assert.False(t, snap.ActivePrompt.IsResolved())
	})

	t.Run("Should resolve once and return to running", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))

		require.NoError(t, rec.ResolvePrompt(ResolutionAllow, t0.Add(time.Second)))
		assert.ErrorIs(t, rec.ResolvePrompt(ResolutionDeny, t0), ErrUnchanged)
		require.NoError(t, rec.EndPrompt(ResolutionDeny, t0.Add(2*time.Second)))
		snap := rec.Snapshot()

		assert.Equal(t, StateRunning, snap.State)
		assert.Nil(t, snap.ActivePrompt)
		assert.Equal(t, ResolutionAllow, snap.PromptHistory[0].Resolution)
		require.NotNil(t, snap.PromptHistory[0].ResolvedAt)
		assert.Equal(t, t0.Add(time.Second), *snap.PromptHistory[0].ResolvedAt)
	})

	t.Run("Should record fallback when prompt ends unanswered", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))

		require.NoError(t, rec.EndPrompt(ResolutionDeny, t0))

		assert.Equal(t, ResolutionDeny, rec.Snapshot().PromptHistory[0].Resolution)
	})

	t.Run("Should ignore resolve without a pending prompt", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		assert.ErrorIs(t, rec.ResolvePrompt(ResolutionAllow, t0), ErrUnchanged)
		assert.ErrorIs(t, rec.EndPrompt(ResolutionDeny, t0), ErrUnchanged)
	})

	t.Run("Should reject nested prompts", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))
		err := rec.BeginPrompt(readPrompt(), t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Len(t, rec.Snapshot().PromptHistory, 1)
	})
}

func TestRecord_Finish(t *testing.T) {
	t.Run("Should deny pending prompt when stopped while waiting", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))

		require.NoError(t, rec.Finish(StateStopped, "ignored", t0.Add(time.Minute)))
		snap := rec.Snapshot()

		assert.Equal(t, StateStopped, snap.State)
		assert.Empty(t, snap.Error)
		assert.Nil(t, snap.ActivePrompt)
		assert.Equal(t, ResolutionDeny, snap.PromptHistory[0].Resolution)
		assert.Equal(t, time.Minute, snap.Duration())
	})

	t.Run("Should keep the error text only for error state", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.Finish(StateError, "ReferenceError: x is not defined", t0))
		assert.Equal(t, "ReferenceError: x is not defined", rec.Snapshot().Error)
	})

	t.Run("Should accept exactly one terminal transition", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.Finish(StateCompleted, "", t0))

		err := rec.Finish(StateStopped, "", t0)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, StateCompleted, terr.From)
		assert.Equal(t, StateCompleted, rec.State())
	})

	t.Run("Should not let a late prompt end reopen a finished task", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))
		require.NoError(t, rec.Finish(StateStopped, "", t0))

		assert.ErrorIs(t, rec.EndPrompt(ResolutionDeny, t0), ErrUnchanged)
		assert.Equal(t, StateStopped, rec.State())
	})

	t.Run("Should reject non-terminal targets", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		assert.ErrorIs(t, rec.Finish(StateRunning, "", t0), ErrInvalidTransition)
	})
}

func TestRecord_ReturnValue(t *testing.T) {
	t.Run("Should keep the last value written", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.SetReturnValue("1"))
		require.NoError(t, rec.SetReturnValue("2"))
		snap := rec.Snapshot()
		require.NotNil(t, snap.ReturnValue)
		assert.Equal(t, "2", *snap.ReturnValue)
	})

	t.Run("Should refuse writes after completion", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.Finish(StateCompleted, "", t0))
		assert.Error(t, rec.SetReturnValue("late"))
		assert.Nil(t, rec.Snapshot().ReturnValue)
	})
}

func TestRecord_Snapshot(t *testing.T) {
	t.Run("Should not share memory with the record", func(t *testing.T) {
		rec := NewRecord("t1", t0)
		require.NoError(t, rec.SetReturnValue("v"))
		require.NoError(t, rec.BeginPrompt(readPrompt(), t0))
		snap := rec.Snapshot()

		snap.PromptHistory[0].Message = "mutated"
		*snap.ReturnValue = "mutated"
		snap.ActivePrompt.Capability = "mutated"

		fresh := rec.Snapshot()
		assert.Equal(t, "read ./data.txt", fresh.PromptHistory[0].Message)
		assert.Equal(t, "v", *fresh.ReturnValue)
		assert.Equal(t, "read", fresh.ActivePrompt.Capability)
	})

	t.Run("Should create failed records directly in error state", func(t *testing.T) {
		snap := NewFailedRecord("t1", "disk full", t0).Snapshot()
		assert.Equal(t, StateError, snap.State)
		assert.Equal(t, "disk full", snap.Error)
		require.NotNil(t, snap.FinishedAt)
		assert.True(t, snap.IsTerminal())
	})
}
