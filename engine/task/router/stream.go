package tkrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compozy/taskvisor/engine/infra/server/router"
	"github.com/compozy/taskvisor/engine/task"
)

const (
	taskStatusEvent = "task_status"
	completeEvent   = "complete"
)

const streamKind = "task"

type taskStream struct {
	stream    *router.SSEStream
	telemetry *router.StreamTelemetry
	nextID    int64
	last      time.Time
}

// streamTask sends the task's snapshots as server-sent events until the
// task finishes or the client goes away.
//
//	GET /tasks/:task_id/events
func (h *handler) streamTask(c *gin.Context) {
	taskID := router.GetTaskID(c)
	if taskID == "" {
		return
	}
	sub := h.sup.Subscribe(taskID)
	defer sub.Close()
	initial, ok := h.sup.Snapshot(taskID)
	if !ok {
		respondNotFound(c, taskID)
		return
	}
	stream := router.StartSSE(c.Writer)
	if stream == nil {
		router.RespondProblemWithCode(c, http.StatusInternalServerError, router.ErrInternalCode, "failed to initialize stream")
		return
	}
	telemetry := router.NewStreamTelemetry(c.Request.Context(), streamKind, taskID)
	telemetry.Connected()
	ts := &taskStream{stream: stream, nextID: 1, telemetry: telemetry}
	closeInfo := router.StreamCloseInfo{}
	defer func() {
		closeInfo.LastEventID = ts.nextID - 1
		telemetry.Close(closeInfo)
	}()
	ctx := telemetry.Context()
	if done, err := ts.emit(initial); done || err != nil {
		closeInfo = endInfo(initial, err)
		return
	}
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			closeInfo.Reason = router.StreamReasonContextCanceled
			return
		case <-heartbeat.C:
			if err := stream.WriteHeartbeat(); err != nil {
				closeInfo = endInfo(task.Snapshot{}, err)
				return
			}
			telemetry.RecordHeartbeat()
		case snap, open := <-sub.C():
			if !open {
				closeInfo.Reason = router.StreamReasonSubscriptionClosed
				return
			}
			if done, err := ts.emit(snap); done || err != nil {
				closeInfo = endInfo(snap, err)
				return
			}
		}
	}
}

// emit writes a status event and, for terminal snapshots, a final complete
// event. Snapshots older than the last one sent are skipped.
func (ts *taskStream) emit(snap task.Snapshot) (bool, error) {
	if snap.UpdatedAt.Before(ts.last) {
		return false, nil
	}
	ts.last = snap.UpdatedAt
	data, err := json.Marshal(ConvertSnapshotToResponse(snap))
	if err != nil {
		return true, err
	}
	if err := ts.write(taskStatusEvent, data); err != nil {
		return true, err
	}
	if !snap.IsTerminal() {
		return false, nil
	}
	final, err := json.Marshal(gin.H{"state": snap.State, "error": snap.Error})
	if err != nil {
		return true, err
	}
	return true, ts.write(completeEvent, final)
}

func (ts *taskStream) write(event string, data []byte) error {
	id := ts.nextID
	ts.nextID++
	if err := ts.stream.WriteEvent(id, event, data); err != nil {
		return err
	}
	ts.telemetry.RecordEvent(event)
	return nil
}

// endInfo classifies why emitting stopped. Write errors caused by the
// client going away count as a cancellation.
func endInfo(last task.Snapshot, err error) router.StreamCloseInfo {
	switch {
	case err == nil:
		return router.StreamCloseInfo{Reason: router.StreamReasonTerminal, State: last.State.String()}
	case errors.Is(err, context.Canceled):
		return router.StreamCloseInfo{Reason: router.StreamReasonContextCanceled}
	default:
		return router.StreamCloseInfo{Reason: router.StreamReasonStreamError, Error: err}
	}
}
