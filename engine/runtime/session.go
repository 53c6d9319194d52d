package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robertkrimen/otto"
	"github.com/spf13/afero"

	"github.com/compozy/taskvisor/pkg/logger"
)

// haltSignal is the panic value injected through otto's interrupt channel.
type haltSignal struct{}

type session struct {
	vm       *otto.Otto
	taskID   string
	config   *Config
	client   *resty.Client
	perms    PermissionChecker
	reporter Reporter
	log      logger.Logger
	loop     *loop
	grants   map[string]bool

	// ctx is the context of the Execute or RunEventLoop call in progress.
	ctx context.Context

	interrupted atomic.Bool
	reason      atomic.Value
	wake        chan struct{}
	wakeOnce    sync.Once
}

func newSession(ctx context.Context, config *Config, client *resty.Client, opts SessionOptions) (*session, error) {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	s := &session{
		vm:       vm,
		taskID:   opts.TaskID,
		config:   config,
		client:   client,
		perms:    opts.Permissions,
		reporter: opts.Reporter,
		log:      logger.FromContext(ctx).With("task_id", opts.TaskID, "component", "runtime"),
		loop:     newLoop(),
		grants:   make(map[string]bool),
		ctx:      ctx,
		wake:     make(chan struct{}),
	}
	if err := s.installGlobals(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) installGlobals() error {
	if err := s.installTask(); err != nil {
		return fmt.Errorf("failed to install Task: %w", err)
	}
	if err := s.installConsole(); err != nil {
		return fmt.Errorf("failed to install console: %w", err)
	}
	timers := map[string]func(otto.FunctionCall) otto.Value{
		"setTimeout":    s.setTimeout,
		"setInterval":   s.setInterval,
		"clearTimeout":  s.clearTimer,
		"clearInterval": s.clearTimer,
	}
	for name, fn := range timers {
		if err := s.vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to install %s: %w", name, err)
		}
	}
	return nil
}

func (s *session) Execute(ctx context.Context, path string) (err error) {
	if s.interrupted.Load() {
		return ErrInterrupted
	}
	src, err := afero.ReadFile(s.config.Fs, path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	script, err := s.vm.Compile(path, string(src))
	if err != nil {
		return &CompileError{Path: path, Err: err}
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	s.ctx = ctx
	start := time.Now()
	defer func() {
		recordExecution(ctx, "execute", time.Since(start), err)
	}()
	defer s.guard(&err)
	if _, runErr := s.vm.Run(script); runErr != nil {
		return &ScriptError{Message: runErr.Error()}
	}
	return nil
}

func (s *session) RunEventLoop(ctx context.Context) (err error) {
	if s.interrupted.Load() {
		return ErrInterrupted
	}
	if s.loop.pending() == 0 {
		return nil
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	s.ctx = ctx
	start := time.Now()
	defer func() {
		recordExecution(ctx, "event_loop", time.Since(start), err)
	}()
	defer s.guard(&err)
	for {
		if s.interrupted.Load() {
			return ErrInterrupted
		}
		t, nextErr := s.loop.next(ctx, s.wake)
		if nextErr != nil {
			if s.interrupted.Load() {
				return ErrInterrupted
			}
			return nextErr
		}
		if t == nil {
			return nil
		}
		if _, callErr := t.fn.Call(otto.UndefinedValue(), t.args...); callErr != nil {
			return &ScriptError{Phase: "uncaught exception in timer callback", Message: callErr.Error()}
		}
	}
}

func (s *session) Interrupt(reason string) {
	if !s.interrupted.CompareAndSwap(false, true) {
		return
	}
	s.reason.Store(reason)
	s.wakeOnce.Do(func() { close(s.wake) })
	select {
	case s.vm.Interrupt <- func() { panic(haltSignal{}) }:
	default:
	}
	s.log.Debug("session interrupted", "reason", reason)
}

// Close interrupts the session and discards pending timers. It must be
// called from the goroutine that ran the session.
func (s *session) Close() {
	s.Interrupt("closed")
	s.loop.clear()
}

// bind derives a context that is also cancelled by Interrupt so blocking
// host calls return promptly.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.wake:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *session) guard(err *error) {
	caught := recover()
	if caught == nil {
		return
	}
	if _, ok := caught.(haltSignal); ok {
		*err = ErrInterrupted
		return
	}
	panic(caught)
}

func (s *session) throw(name, message string) {
	panic(s.vm.MakeCustomError(name, message))
}

func (s *session) throwError(err error) {
	if errors.Is(err, context.Canceled) && s.interrupted.Load() {
		panic(haltSignal{})
	}
	s.throw("Error", err.Error())
}

func (s *session) setTimeout(call otto.FunctionCall) otto.Value {
	return s.addTimer(call, false)
}

func (s *session) setInterval(call otto.FunctionCall) otto.Value {
	return s.addTimer(call, true)
}

func (s *session) addTimer(call otto.FunctionCall, repeat bool) otto.Value {
	fn := call.Argument(0)
	if !fn.IsFunction() {
		panic(s.vm.MakeTypeError("timer callback must be a function"))
	}
	var delay int64
	if arg := call.Argument(1); arg.IsDefined() {
		if ms, err := arg.ToInteger(); err == nil {
			delay = ms
		}
	}
	var args []any
	if len(call.ArgumentList) > 2 {
		args = make([]any, 0, len(call.ArgumentList)-2)
		for _, v := range call.ArgumentList[2:] {
			args = append(args, v)
		}
	}
	id := s.loop.schedule(fn, time.Duration(delay)*time.Millisecond, repeat, args)
	v, err := otto.ToValue(id)
	if err != nil {
		s.throwError(err)
	}
	return v
}

func (s *session) clearTimer(call otto.FunctionCall) otto.Value {
	if id, err := call.Argument(0).ToInteger(); err == nil {
		s.loop.cancel(id)
	}
	return otto.UndefinedValue()
}
