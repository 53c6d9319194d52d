package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnchanged signals that a mutation was a valid no-op.
	ErrUnchanged = errors.New("task record unchanged")
	// ErrInvalidTransition is returned when a state change breaks the lifecycle.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

const noActivePrompt = -1

// Record is the mutable state of one task execution. It is owned by a
// Registry and only ever touched under the registry lock; everything else
// sees Snapshots.
type Record struct {
	id          string
	state       State
	err         string
	returnValue *string
	prompts     []Prompt
	active      int
	createdAt   time.Time
	updatedAt   time.Time
	finishedAt  *time.Time
}

// NewRecord returns a record in the RUNNING state.
func NewRecord(id string, now time.Time) *Record {
	return &Record{
		id:        id,
		state:     StateRunning,
		active:    noActivePrompt,
		createdAt: now,
		updatedAt: now,
	}
}

// NewFailedRecord returns a record that starts life in the ERROR state.
// Used when a task could not even be prepared for execution.
func NewFailedRecord(id, message string, now time.Time) *Record {
	return &Record{
		id:         id,
		state:      StateError,
		err:        message,
		active:     noActivePrompt,
		createdAt:  now,
		updatedAt:  now,
		finishedAt: &now,
	}
}

func (r *Record) ID() string   { return r.id }
func (r *Record) State() State { return r.state }

func (r *Record) transition(to State) error {
	if !CanTransition(r.state, to) {
		return &TransitionError{ID: r.id, From: r.state, To: to}
	}
	r.state = to
	return nil
}

// ActivePrompt returns the pending prompt, if any.
func (r *Record) ActivePrompt() *Prompt {
	if r.active == noActivePrompt {
		return nil
	}
	return &r.prompts[r.active]
}

// BeginPrompt records a new prompt and parks the task waiting for an answer.
func (r *Record) BeginPrompt(p Prompt, now time.Time) error {
	if err := r.transition(StateWaitingForPermission); err != nil {
		return err
	}
	p.Resolution = ""
	p.ResolvedAt = nil
	p.RequestedAt = now
	r.prompts = append(r.prompts, p)
	r.active = len(r.prompts) - 1
	return nil
}

// ResolvePrompt stores the answer on the active prompt. A second answer to
// the same prompt is ignored.
func (r *Record) ResolvePrompt(res Resolution, now time.Time) error {
	p := r.ActivePrompt()
	if p == nil || !p.resolve(res, now) {
		return ErrUnchanged
	}
	return nil
}

// EndPrompt returns a waiting task to RUNNING. fallback is recorded when
// the prompt was never answered. Records that already reached a terminal
// state are left untouched.
func (r *Record) EndPrompt(fallback Resolution, now time.Time) error {
	if r.state != StateWaitingForPermission {
		return ErrUnchanged
	}
	if p := r.ActivePrompt(); p != nil {
		p.resolve(fallback, now)
	}
	r.active = noActivePrompt
	return r.transition(StateRunning)
}

// Finish moves the record into a terminal state. A pending prompt is
// closed out as DENY. message is kept only for StateError.
func (r *Record) Finish(to State, message string, now time.Time) error {
	if !to.IsTerminal() {
		return &TransitionError{ID: r.id, From: r.state, To: to}
	}
	if err := r.transition(to); err != nil {
		return err
	}
	if p := r.ActivePrompt(); p != nil {
		p.resolve(ResolutionDeny, now)
	}
	r.active = noActivePrompt
	if to == StateError {
		r.err = message
	}
	r.finishedAt = &now
	return nil
}

// SetReturnValue stores the latest value reported by the script.
func (r *Record) SetReturnValue(value string) error {
	if r.state.IsTerminal() {
		return &TransitionError{ID: r.id, From: r.state, To: r.state}
	}
	r.returnValue = &value
	return nil
}

func (r *Record) touch(now time.Time) {
	r.updatedAt = now
}

// Snapshot is an immutable copy of a Record.
type Snapshot struct {
	ID            string     `json:"id"`
	State         State      `json:"state"`
	Error         string     `json:"error,omitempty"`
	ReturnValue   *string    `json:"return_value,omitempty"`
	ActivePrompt  *Prompt    `json:"active_prompt,omitempty"`
	PromptHistory []Prompt   `json:"prompt_history"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand outside the registry lock.
func (r *Record) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            r.id,
		State:         r.state,
		Error:         r.err,
		PromptHistory: make([]Prompt, len(r.prompts)),
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
	}
	for i, p := range r.prompts {
		snap.PromptHistory[i] = copyPrompt(p)
	}
	if r.returnValue != nil {
		v := *r.returnValue
		snap.ReturnValue = &v
	}
	if r.active != noActivePrompt {
		p := copyPrompt(r.prompts[r.active])
		snap.ActivePrompt = &p
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

func copyPrompt(p Prompt) Prompt {
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		p.ResolvedAt = &t
	}
	return p
}

// IsTerminal reports whether the snapshot is in a terminal state.
func (s Snapshot) IsTerminal() bool {
	return s.State.IsTerminal()
}

// Duration is the wall time between creation and completion, or zero while running.
func (s Snapshot) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.CreatedAt)
}
