package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compozy/taskvisor/engine/core"
)

func TestID(t *testing.T) {
	t.Run("Should report zero value", func(t *testing.T) {
		var zero core.ID
		assert.True(t, zero.IsZero())
		assert.False(t, core.ID("run-1").IsZero())
		assert.Equal(t, "run-1", core.ID("run-1").String())
	})

	t.Run("Should generate unique parseable IDs", func(t *testing.T) {
		id1 := core.MustNewID()
		id2, err := core.NewID()
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
		parsed, err := core.ParseID(id1.String())
		require.NoError(t, err)
		assert.Equal(t, id1, parsed)
	})

	t.Run("Should reject empty and malformed IDs", func(t *testing.T) {
		_, err := core.ParseID("")
		assert.ErrorContains(t, err, "empty ID")
		id, err := core.ParseID("not-a-valid-ksuid")
		assert.ErrorContains(t, err, "invalid ID format")
		assert.True(t, id.IsZero())
	})
}
