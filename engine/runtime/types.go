package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/taskvisor/engine/task"
)

// Capability names checked before a script touches the host.
const (
	CapabilityRead  = "read"
	CapabilityWrite = "write"
	CapabilityEnv   = "env"
	CapabilityNet   = "net"
)

// PermissionDeniedName is the name of the error thrown inside a script when
// a capability request is denied.
const PermissionDeniedName = "PermissionDenied"

// ErrInterrupted is returned by Execute or RunEventLoop once Interrupt has
// been called on the session.
var ErrInterrupted = errors.New("script execution interrupted")

// ScriptError carries an exception that escaped the script.
type ScriptError struct {
	Phase   string
	Message string
}

func (e *ScriptError) Error() string {
	if e.Phase == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

// CompileError is returned when the staged source does not parse.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// PermissionChecker decides whether a script may use a capability. It may
// block until an external decision-maker answers.
type PermissionChecker interface {
	Check(ctx context.Context, prompt task.Prompt) task.Resolution
}

// PermissionCheckerFunc adapts a function to PermissionChecker.
type PermissionCheckerFunc func(ctx context.Context, prompt task.Prompt) task.Resolution

func (f PermissionCheckerFunc) Check(ctx context.Context, prompt task.Prompt) task.Resolution {
	return f(ctx, prompt)
}

// Reporter receives values a script hands back through Task.returnValue.
// Later calls overwrite earlier ones.
type Reporter interface {
	ReportValue(taskID string, value string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(taskID string, value string)

func (f ReporterFunc) ReportValue(taskID string, value string) {
	f(taskID, value)
}

// SessionOptions binds a session to one task.
type SessionOptions struct {
	TaskID      string
	Permissions PermissionChecker
	Reporter    Reporter
}

// Session is one isolated script execution with its own timer loop. A
// session is used from a single goroutine except for Interrupt.
type Session interface {
	// Execute compiles and runs the script at path to the end of its top level.
	Execute(ctx context.Context, path string) error
	// RunEventLoop drains pending timers until none remain.
	RunEventLoop(ctx context.Context) error
	// Interrupt halts the script at the next statement boundary. Safe to call
	// from any goroutine, more than once.
	Interrupt(reason string)
	Close()
}

// Factory creates sessions.
type Factory interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}

func denyAll() PermissionChecker {
	return PermissionCheckerFunc(func(context.Context, task.Prompt) task.Resolution {
		return task.ResolutionDeny
	})
}

func discardReporter() Reporter {
	return ReporterFunc(func(string, string) {})
}
