package supervisor

import (
	"errors"
	"fmt"

	"github.com/compozy/taskvisor/engine/task"
)

var (
	// ErrTaskExists is returned by Start for an id that is still registered.
	ErrTaskExists = task.ErrTaskExists
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrInvalidTaskID is returned by Start for an empty id.
	ErrInvalidTaskID = errors.New("task id must not be empty")
)

// StagingError reports that the source could not be prepared. The task is
// recorded in the ERROR state before this error is returned.
type StagingError struct {
	TaskID string
	Err    error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("failed to stage task %s: %v", e.TaskID, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}
