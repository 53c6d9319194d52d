package tkrouter

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/engine/task"
)

const defaultHeartbeat = 15 * time.Second

// Supervisor is the task lifecycle surface the HTTP handlers drive.
type Supervisor interface {
	Start(ctx context.Context, id string, source string) (task.Snapshot, error)
	Stop(ctx context.Context, id string) bool
	Snapshot(id string) (task.Snapshot, bool)
	List() []task.Snapshot
	SweepTerminal(ctx context.Context) []string
	ResolvePrompt(ctx context.Context, id string, res task.Resolution) bool
	Subscribe(id string) *notify.Subscription
}

type handler struct {
	sup       Supervisor
	heartbeat time.Duration
}

type Option func(*handler)

// WithHeartbeat sets the idle interval between SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(h *handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func Register(apiBase *gin.RouterGroup, sup Supervisor, opts ...Option) {
	h := &handler{sup: sup, heartbeat: defaultHeartbeat}
	for _, opt := range opts {
		opt(h)
	}
	tasksGroup := apiBase.Group("/tasks")
	{
		tasksGroup.GET("", h.listTasks)
		// DELETE /tasks
		// Clear finished tasks
		tasksGroup.DELETE("", h.sweepTasks)
		tasksGroup.POST("/:task_id", h.startTask)
		tasksGroup.GET("/:task_id", h.getTask)
		tasksGroup.POST("/:task_id/stop", h.stopTask)
		tasksGroup.POST("/:task_id/prompt", h.resolvePrompt)
		tasksGroup.GET("/:task_id/events", h.streamTask)
	}
}
