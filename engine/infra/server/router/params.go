package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const TaskIDParam = "task_id"

// GetTaskID reads the task id path parameter. It writes a 400 problem and
// returns "" when the parameter is blank.
func GetTaskID(c *gin.Context) string {
	id := strings.TrimSpace(c.Param(TaskIDParam))
	if id == "" {
		RespondProblemWithCode(c, http.StatusBadRequest, ErrBadRequestCode, "task_id is required")
		return ""
	}
	return id
}
