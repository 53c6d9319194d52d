package tkrouter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/compozy/taskvisor/engine/core"
	"github.com/compozy/taskvisor/engine/infra/server/router"
	"github.com/compozy/taskvisor/engine/supervisor"
	"github.com/compozy/taskvisor/engine/task"
)

const ErrStagingFailedCode = "STAGING_FAILED"

// startTask stages the posted code and launches it under the given id.
//
//	POST /tasks/:task_id {"code": "..."}
func (h *handler) startTask(c *gin.Context) {
	taskID := router.GetTaskID(c)
	if taskID == "" {
		return
	}
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, "invalid request body: "+err.Error())
		return
	}
	snap, err := h.sup.Start(c.Request.Context(), taskID, req.Code)
	if err != nil {
		respondStartError(c, snap, err)
		return
	}
	router.RespondCreated(c, "task started", ConvertSnapshotToResponse(snap))
}

func respondStartError(c *gin.Context, snap task.Snapshot, err error) {
	var stagingErr *supervisor.StagingError
	switch {
	case errors.As(err, &stagingErr):
		router.RespondProblem(c, &core.Problem{
			Status: http.StatusUnprocessableEntity,
			Detail: core.RedactError(err),
			Extras: map[string]any{
				"code":    ErrStagingFailedCode,
				"task_id": snap.ID,
				"state":   snap.State,
			},
		})
	case errors.Is(err, supervisor.ErrInvalidTaskID):
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, err.Error())
	case errors.Is(err, supervisor.ErrTaskExists):
		router.RespondProblemWithCode(c, http.StatusConflict, router.ErrConflictCode, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		router.RespondProblemWithCode(c, http.StatusServiceUnavailable, router.ErrServiceUnavailableCode, err.Error())
	default:
		router.RespondError(c, err)
	}
}

// getTask returns one task snapshot. The ETag changes whenever the
// snapshot does, so pollers can send If-None-Match.
//
//	GET /tasks/:task_id
func (h *handler) getTask(c *gin.Context) {
	taskID := router.GetTaskID(c)
	if taskID == "" {
		return
	}
	snap, ok := h.sup.Snapshot(taskID)
	if !ok {
		respondNotFound(c, taskID)
		return
	}
	etag := `"` + core.ETagFromAny(snap) + `"`
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	router.RespondOK(c, "task retrieved", ConvertSnapshotToResponse(snap))
}

// listTasks returns every known task, optionally filtered by ?state=.
//
//	GET /tasks
func (h *handler) listTasks(c *gin.Context) {
	snaps := h.sup.List()
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		state := task.State(strings.ToUpper(raw))
		if !state.IsValid() {
			router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, "unknown state "+raw)
			return
		}
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.State == state {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	router.RespondOK(c, "tasks retrieved", TaskListResponse{Tasks: ConvertSnapshotsToResponses(snaps)})
}

// stopTask asks a live task to stop. Finished tasks are returned unchanged.
//
//	POST /tasks/:task_id/stop
func (h *handler) stopTask(c *gin.Context) {
	taskID := router.GetTaskID(c)
	if taskID == "" {
		return
	}
	if h.sup.Stop(c.Request.Context(), taskID) {
		snap, _ := h.sup.Snapshot(taskID)
		router.RespondAccepted(c, "stop requested", ConvertSnapshotToResponse(snap))
		return
	}
	snap, ok := h.sup.Snapshot(taskID)
	if !ok {
		respondNotFound(c, taskID)
		return
	}
	router.RespondOK(c, "task already finished", ConvertSnapshotToResponse(snap))
}

// sweepTasks removes every finished task.
//
//	DELETE /tasks
func (h *handler) sweepTasks(c *gin.Context) {
	removed := h.sup.SweepTerminal(c.Request.Context())
	router.RespondOK(c, "finished tasks cleared", SweepResponse{Removed: removed})
}

// resolvePrompt answers the task's pending permission prompt.
//
//	POST /tasks/:task_id/prompt {"response": "allow|deny|allow_all"}
func (h *handler) resolvePrompt(c *gin.Context) {
	taskID := router.GetTaskID(c)
	if taskID == "" {
		return
	}
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, "invalid request body: response is required")
		return
	}
	res, err := task.ParseResolution(req.Response)
	if err != nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, err.Error())
		return
	}
	if !h.sup.ResolvePrompt(c.Request.Context(), taskID, res) {
		if _, ok := h.sup.Snapshot(taskID); !ok {
			respondNotFound(c, taskID)
			return
		}
		router.RespondProblemWithCode(c, http.StatusConflict, router.ErrConflictCode, "task has no pending permission prompt")
		return
	}
	snap, _ := h.sup.Snapshot(taskID)
	router.RespondOK(c, "prompt resolved", ConvertSnapshotToResponse(snap))
}

func respondNotFound(c *gin.Context, taskID string) {
	router.RespondProblemWithCode(c, http.StatusNotFound, router.ErrNotFoundCode, "task "+taskID+" not found")
}
