package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBase(t *testing.T) {
	t.Run("Should return versioned API base path", func(t *testing.T) {
		assert.Equal(t, "/api/"+Version(), Base())
		assert.Contains(t, Base(), "/api/v")
	})
}

func TestPathComposition(t *testing.T) {
	t.Run("Should build every path on Base()", func(t *testing.T) {
		assert.Equal(t, Base()+"/tasks", Tasks())
		assert.Equal(t, Base()+"/health", HealthVersioned())
		assert.Equal(t, "/health", Health())
		for _, path := range []string{Base(), Tasks(), HealthVersioned()} {
			assert.NotContains(t, path, "//", "Path %s should not contain double slashes", path)
		}
	})

	t.Run("Should follow the version override", func(t *testing.T) {
		t.Setenv("TASKVISOR_API_VERSION", "v9")
		assert.Equal(t, "/api/v9/tasks", Tasks())
	})
}
