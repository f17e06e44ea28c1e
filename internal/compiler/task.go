package compiler

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the attempt ceiling per file.
const DefaultMaxAttempts = 2

type State string

const (
	StatePending   State = "pending"
	StateCompiling State = "compiling"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

var ErrInvalidTransition = errors.New("compiler: invalid task transition")

// Task tracks one file through pending -> compiling -> success|failed. A
// failed task goes back to pending through Requeue until MaxAttempts.
type Task struct {
	File        string        `json:"file"`
	ProjectDir  string        `json:"projectDir"`
	State       State         `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Result      Result        `json:"result"`
	LastError   string        `json:"lastError,omitempty"`
	Duration    time.Duration `json:"duration"`

	started time.Time
}

func NewTask(file, projectDir string, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{File: file, ProjectDir: projectDir, State: StatePending, MaxAttempts: maxAttempts}
}

func (t *Task) transition(from, to State) error {
	if t.State != from {
		return fmt.Errorf("%w: %s is %s, want %s before %s", ErrInvalidTransition, t.File, t.State, from, to)
	}
	t.State = to
	return nil
}

// Start begins an attempt.
func (t *Task) Start() error {
	if err := t.transition(StatePending, StateCompiling); err != nil {
		return err
	}
	t.Attempts++
	t.started = time.Now()
	return nil
}

// Finish records the attempt outcome from a compile result.
func (t *Task) Finish(res Result) error {
	to := StateSuccess
	if !res.Success {
		to = StateFailed
	}
	if err := t.transition(StateCompiling, to); err != nil {
		return err
	}
	t.Result = res
	t.Duration += time.Since(t.started)
	if res.Success {
		t.LastError = ""
	} else {
		t.LastError = res.Message
	}
	return nil
}

// CanRetry reports a failed task with attempts left.
func (t *Task) CanRetry() bool {
	return t.State == StateFailed && t.Attempts < t.MaxAttempts
}

// Requeue moves a retryable failed task back to pending.
func (t *Task) Requeue() error {
	if !t.CanRetry() {
		return fmt.Errorf("%w: %s cannot be retried (state %s, attempt %d of %d)", ErrInvalidTransition, t.File, t.State, t.Attempts, t.MaxAttempts)
	}
	return t.transition(StateFailed, StatePending)
}

// Done reports a terminal task: succeeded, or failed with no attempts left.
func (t *Task) Done() bool {
	return t.State == StateSuccess || (t.State == StateFailed && !t.CanRetry())
}

// Retried reports a task that needed more than one attempt.
func (t *Task) Retried() bool { return t.Attempts > 1 }
