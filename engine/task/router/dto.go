package tkrouter

import (
	"github.com/compozy/taskvisor/engine/task"
)

// StartRequest is the body of POST /tasks/:task_id. An empty script is
// valid and completes immediately.
type StartRequest struct {
	Code string `json:"code"`
}

// PromptRequest is the body of POST /tasks/:task_id/prompt.
type PromptRequest struct {
	Response string `json:"response" binding:"required"`
}

// TaskResponse is a snapshot plus derived fields.
type TaskResponse struct {
	task.Snapshot
	Terminal   bool  `json:"terminal"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// TaskListResponse wraps a list of tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// SweepResponse lists the ids removed by DELETE /tasks.
type SweepResponse struct {
	Removed []string `json:"removed"`
}

func ConvertSnapshotToResponse(snap task.Snapshot) TaskResponse {
	return TaskResponse{
		Snapshot:   snap,
		Terminal:   snap.IsTerminal(),
		DurationMs: snap.Duration().Milliseconds(),
	}
}

func ConvertSnapshotsToResponses(snaps []task.Snapshot) []TaskResponse {
	out := make([]TaskResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, ConvertSnapshotToResponse(snap))
	}
	return out
}
