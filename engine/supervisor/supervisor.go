package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/engine/permission"
	"github.com/compozy/taskvisor/engine/runtime"
	"github.com/compozy/taskvisor/engine/staging"
	"github.com/compozy/taskvisor/engine/task"
	"github.com/compozy/taskvisor/pkg/logger"
)

const defaultJoinTimeout = 5 * time.Second

// Stager prepares sources for the engine and removes them afterwards.
type Stager interface {
	Stage(ctx context.Context, id string, source string) (staging.Staged, error)
	Cleanup(ctx context.Context, staged staging.Staged) error
}

// Deps are the collaborators a Supervisor drives. Registry and Broker are
// created when nil; a supplied Broker must share the supplied Registry.
// Sink receives every snapshot in addition to the in-process feed.
type Deps struct {
	Registry *task.Registry
	Broker   *permission.Broker
	Sink     notify.Sink
	Stager   Stager
	Engine   runtime.Factory
}

type Option func(*Supervisor)

// WithJoinTimeout bounds how long a stopped task waits for its engine to exit.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.SetJoinTimeout(d)
	}
}

// WithSubscriberBuffer sets the per-subscriber buffer of the in-process feed.
func WithSubscriberBuffer(n int) Option {
	return func(s *Supervisor) {
		s.feed = notify.NewBroadcaster(n)
	}
}

// Supervisor owns the task registry and one worker per live task.
type Supervisor struct {
	registry    *task.Registry
	broker      *permission.Broker
	feed        *notify.Broadcaster
	sink        notify.Sink
	stager      Stager
	engine      runtime.Factory
	joinTimeout atomic.Int64

	mu       sync.Mutex
	workers  map[string]*worker
	shutdown bool
	wg       sync.WaitGroup
}

func New(deps Deps, opts ...Option) (*Supervisor, error) {
	if deps.Stager == nil {
		return nil, errors.New("supervisor requires a stager")
	}
	if deps.Engine == nil {
		return nil, errors.New("supervisor requires an engine factory")
	}
	s := &Supervisor{
		registry: deps.Registry,
		stager:   deps.Stager,
		engine:   deps.Engine,
		workers:  make(map[string]*worker),
	}
	s.joinTimeout.Store(int64(defaultJoinTimeout))
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = task.NewRegistry()
	}
	if s.feed == nil {
		s.feed = notify.NewBroadcaster(0)
	}
	if deps.Sink != nil {
		s.sink = notify.NewFanout(s.feed, deps.Sink)
	} else {
		s.sink = s.feed
	}
	s.broker = deps.Broker
	if s.broker == nil {
		s.broker = permission.NewBroker(s.registry, s.sink)
	}
	return s, nil
}

// SetJoinTimeout changes the join bound for stops issued from now on.
// Non-positive values are ignored.
func (s *Supervisor) SetJoinTimeout(d time.Duration) {
	if d > 0 {
		s.joinTimeout.Store(int64(d))
	}
}

// JoinTimeout returns the current join bound.
func (s *Supervisor) JoinTimeout() time.Duration {
	return time.Duration(s.joinTimeout.Load())
}

// Registry exposes the underlying registry for read access.
func (s *Supervisor) Registry() *task.Registry {
	return s.registry
}

// Start stages source and launches a worker for it. The returned snapshot
// is the task's first recorded state.
func (s *Supervisor) Start(ctx context.Context, id string, source string) (task.Snapshot, error) {
	if id == "" {
		return task.Snapshot{}, ErrInvalidTaskID
	}
	if s.isShuttingDown() {
		return task.Snapshot{}, ErrShuttingDown
	}
	if s.registry.Exists(id) {
		return task.Snapshot{}, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	log := logger.FromContext(ctx).With("task_id", id)
	// A caller that goes away mid-request must not turn staging into a
	// recorded failure.
	staged, err := s.stager.Stage(context.WithoutCancel(ctx), id, source)
	if err != nil {
		return s.failStaging(ctx, id, err)
	}
	w := newWorker(id, staged, s.registry.Now())
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.cleanup(ctx, w)
		return task.Snapshot{}, ErrShuttingDown
	}
	snap, err := s.registry.Create(task.NewRecord(id, w.startedAt))
	if err != nil {
		s.mu.Unlock()
		s.cleanup(ctx, w)
		return task.Snapshot{}, err
	}
	s.broker.Open(id)
	s.workers[id] = w
	s.wg.Add(1)
	s.mu.Unlock()

	workerCtx := logger.ContextWithLogger(context.WithoutCancel(ctx), log)
	recordStarted(workerCtx)
	s.sink.Notify(workerCtx, snap)
	go s.run(workerCtx, w)
	log.Info("task started", "path", staged.Path)
	return snap, nil
}

func (s *Supervisor) failStaging(ctx context.Context, id string, cause error) (task.Snapshot, error) {
	stagingErr := &StagingError{TaskID: id, Err: cause}
	snap, err := s.registry.Create(task.NewFailedRecord(id, stagingErr.Error(), s.registry.Now()))
	if err != nil {
		return task.Snapshot{}, err
	}
	logger.FromContext(ctx).Error("failed to stage task", "task_id", id, "error", cause)
	recordFinished(ctx, task.StateError, 0, false)
	s.sink.Notify(ctx, snap)
	return snap, stagingErr
}

// Stop asks a live task to stop and reports whether the task was live.
// Unknown and finished tasks are left alone.
func (s *Supervisor) Stop(ctx context.Context, id string) bool {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if w.requestStop() {
		logger.FromContext(ctx).Info("stop requested", "task_id", id)
	}
	return true
}

// Snapshot returns a copy of one task's record.
func (s *Supervisor) Snapshot(id string) (task.Snapshot, bool) {
	return s.registry.Get(id)
}

// List returns copies of every record.
func (s *Supervisor) List() []task.Snapshot {
	return s.registry.List()
}

// SweepTerminal removes every finished record and returns their ids.
func (s *Supervisor) SweepTerminal(ctx context.Context) []string {
	removed := s.registry.SweepTerminal()
	if len(removed) > 0 {
		logger.FromContext(ctx).Info("swept finished tasks", "count", len(removed))
	}
	return removed
}

// ResolvePrompt answers the pending prompt of a task. It reports false
// when nothing was waiting.
func (s *Supervisor) ResolvePrompt(ctx context.Context, id string, res task.Resolution) bool {
	return s.broker.Resolve(ctx, id, res)
}

// Subscribe returns a feed of snapshots. An empty id follows every task.
func (s *Supervisor) Subscribe(id string) *notify.Subscription {
	if id == "" {
		return s.feed.Subscribe()
	}
	return s.feed.SubscribeTask(id)
}

// ReportValue stores the latest value a script reported. Values arriving
// after the task finished are dropped.
func (s *Supervisor) ReportValue(id string, value string) {
	s.reportValue(context.Background(), id, value)
}

func (s *Supervisor) reportValue(ctx context.Context, id string, value string) {
	_, err := s.registry.Mutate(id, func(rec *task.Record, _ time.Time) error {
		return rec.SetReturnValue(value)
	})
	if err == nil {
		return
	}
	log := logger.FromContext(ctx)
	if errors.Is(err, task.ErrTaskNotFound) {
		log.Error("return value for unknown task", "task_id", id)
		return
	}
	log.Debug("dropped late return value", "task_id", id, "error", err)
}

// Live returns the ids of tasks that still have a worker.
func (s *Supervisor) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown refuses new tasks, stops every live one and waits for their
// workers to exit or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	live := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		live = append(live, w)
	}
	s.mu.Unlock()
	for _, w := range live {
		w.requestStop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.FromContext(ctx).Info("supervisor stopped", "stopped_tasks", len(live))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// owns reports whether w is still the live worker for its id.
func (s *Supervisor) owns(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[w.id] == w
}

// retire drops the worker's bookkeeping. Only the first caller for a given
// worker gets true, which makes the terminal transition happen exactly once.
func (s *Supervisor) retire(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.workers[w.id]; !ok || current != w {
		return false
	}
	delete(s.workers, w.id)
	return true
}

// reconcile records the terminal state, notifies and releases the prompt
// channel.
func (s *Supervisor) reconcile(ctx context.Context, w *worker, state task.State, message string) {
	if !s.retire(w) {
		return
	}
	log := logger.FromContext(ctx)
	snap, err := s.registry.Mutate(w.id, func(rec *task.Record, now time.Time) error {
		return rec.Finish(state, message, now)
	})
	s.broker.Close(w.id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			log.Error("task record missing at completion", "state", state, "error", err)
		} else {
			log.Error("failed to record task outcome", "state", state, "error", err)
		}
		recordFinished(ctx, state, time.Since(w.startedAt), true)
		return
	}
	recordFinished(ctx, state, snap.Duration(), true)
	traceOutcome(ctx, state, message)
	s.sink.Notify(ctx, snap)
	log.Info("task finished", "state", snap.State, "duration", snap.Duration())
}

func traceOutcome(ctx context.Context, state task.State, message string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("task.state", state.String()))
	if state == task.StateError {
		span.SetStatus(codes.Error, message)
	}
}

func (s *Supervisor) cleanup(ctx context.Context, w *worker) {
	if err := s.stager.Cleanup(ctx, w.staged); err != nil {
		logger.FromContext(ctx).Warn("failed to remove staged files", "task_id", w.id, "error", err)
	}
}
