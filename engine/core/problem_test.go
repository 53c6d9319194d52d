package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProblem(t *testing.T) {
	t.Run("Should fill canonical defaults", func(t *testing.T) {
		p := NormalizeProblem(nil)
		assert.Equal(t, http.StatusInternalServerError, p.Status)
		assert.Equal(t, "Internal Server Error", p.Title)
		assert.Equal(t, "about:blank", p.Type)
	})

	t.Run("Should keep explicit fields", func(t *testing.T) {
		p := NormalizeProblem(&Problem{Status: http.StatusConflict, Title: "Task exists"})
		assert.Equal(t, "Task exists", p.Title)
	})
}

func TestBuildProblemBody(t *testing.T) {
	t.Run("Should include code and drop reserved extras", func(t *testing.T) {
		p := NormalizeProblem(&Problem{
			Status: http.StatusNotFound,
			Detail: "task not found",
			Extras: map[string]any{"code": "task_not_found", "status": 999, "task_id": "a"},
		})

		body := BuildProblemBody(p)

		assert.Equal(t, http.StatusNotFound, body["status"])
		assert.Equal(t, "Not Found", body["error"])
		assert.Equal(t, "task not found", body["details"])
		assert.Equal(t, "task_not_found", body["code"])
		assert.Equal(t, "a", body["task_id"])
	})
}
