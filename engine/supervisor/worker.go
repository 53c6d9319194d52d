package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compozy/taskvisor/engine/runtime"
	"github.com/compozy/taskvisor/engine/staging"
	"github.com/compozy/taskvisor/engine/task"
	"github.com/compozy/taskvisor/pkg/logger"
)

const tracerName = "taskvisor.supervisor"

// worker is the bookkeeping for one live task. Its presence in the
// supervisor's map is what makes a task stoppable.
type worker struct {
	id        string
	staged    staging.Staged
	startedAt time.Time
	stop      chan struct{}
}

func newWorker(id string, staged staging.Staged, now time.Time) *worker {
	return &worker{
		id:        id,
		staged:    staged,
		startedAt: now,
		stop:      make(chan struct{}, 1),
	}
}

// requestStop signals the worker without blocking. It reports false when a
// stop was already pending.
func (w *worker) requestStop() bool {
	select {
	case w.stop <- struct{}{}:
		return true
	default:
		return false
	}
}

// run drives one task from session creation to cleanup.
func (s *Supervisor) run(ctx context.Context, w *worker) {
	defer s.wg.Done()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "task.run",
		trace.WithAttributes(attribute.String("task.id", w.id)),
	)
	defer span.End()
	defer s.cleanup(ctx, w)
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("worker panicked", "panic", r)
			s.reconcile(ctx, w, task.StateError, fmt.Sprintf("internal error: %v", r))
		}
	}()
	session, err := s.engine.NewSession(ctx, runtime.SessionOptions{
		TaskID:      w.id,
		Permissions: s.checker(w),
		Reporter: runtime.ReporterFunc(func(id string, value string) {
			if !s.owns(w) {
				logger.FromContext(ctx).Debug("dropped return value from a retired run")
				return
			}
			s.reportValue(ctx, id, value)
		}),
	})
	if err != nil {
		s.reconcile(ctx, w, task.StateError, err.Error())
		return
	}
	done := make(chan error, 1)
	go execute(ctx, session, w.staged.Path, done)
	select {
	case err := <-done:
		state, message := outcome(err)
		s.reconcile(ctx, w, state, message)
	case <-w.stop:
		// Record STOPPED before interrupting so a prompt released by the
		// interrupt cannot flip the task back to RUNNING first.
		s.reconcile(ctx, w, task.StateStopped, "")
		session.Interrupt("stop requested")
		s.join(ctx, done)
	}
}

// execute runs the session on its own goroutine so the worker can race it
// against a stop request. The session is closed on the goroutine that ran it.
func execute(ctx context.Context, session runtime.Session, path string, done chan<- error) {
	defer session.Close()
	defer func() {
		if r := recover(); r != nil {
			done <- fmt.Errorf("engine panic: %v", r)
		}
	}()
	err := session.Execute(ctx, path)
	if err == nil {
		err = session.RunEventLoop(ctx)
	}
	done <- err
}

// join waits for an interrupted engine to exit, bounded by the join timeout.
func (s *Supervisor) join(ctx context.Context, done <-chan error) {
	timeout := s.JoinTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		logger.FromContext(ctx).Debug("engine exited after stop", "error", err)
	case <-timer.C:
		recordJoinTimeout(ctx)
		logger.FromContext(ctx).Warn("engine did not exit within join timeout", "timeout", timeout)
	}
}

// checker denies prompts from a run that no longer owns its id, so an
// engine that outlived its join cannot reach a later run of the same id.
func (s *Supervisor) checker(w *worker) runtime.PermissionChecker {
	return runtime.PermissionCheckerFunc(func(ctx context.Context, prompt task.Prompt) task.Resolution {
		if !s.owns(w) {
			return task.ResolutionDeny
		}
		return s.broker.Request(ctx, w.id, prompt)
	})
}

// outcome maps an engine result to a terminal state and error text.
func outcome(err error) (task.State, string) {
	switch {
	case err == nil:
		return task.StateCompleted, ""
	case errors.Is(err, runtime.ErrInterrupted), errors.Is(err, context.Canceled):
		return task.StateStopped, ""
	default:
		return task.StateError, err.Error()
	}
}
