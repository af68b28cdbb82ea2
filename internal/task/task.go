package task

import (
	"fmt"
	"time"
)

// Status tracks a task through its lifecycle. It is the single source of
// truth for scheduling eligibility.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusPaused    Status = "paused"
	StatusSkipped   Status = "skipped"
)

// Condition controls whether a task runs given the outcome of its
// dependencies.
type Condition string

const (
	OnSuccess Condition = "on_success"
	OnFailure Condition = "on_failure"
	Always    Condition = "always"
)

// Record is one discrete invocation of the external AI tool within a
// pipeline. The ID is stable across pause and resume.
type Record struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`

	Status    Status    `json:"status"`
	DependsOn []string  `json:"depends_on,omitempty"`
	Condition Condition `json:"condition,omitempty"`

	// SessionID is set once the task completes and the tool reports a session.
	SessionID string `json:"session_id,omitempty"`

	// ResumeFromTaskID requests that this invocation continue the
	// conversation state established by a prior task. It may be a task id or
	// a session reference understood by the session resolver.
	ResumeFromTaskID string `json:"resume_from_task_id,omitempty"`

	// OutputSession requests that the session id reported by the tool be
	// recorded in the execution's session mappings.
	OutputSession bool `json:"output_session,omitempty"`

	// PausedUntil is set by a rate-limit pause; the task may not be retried
	// before this time.
	PausedUntil *time.Time `json:"paused_until,omitempty"`

	Results    string `json:"results,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Terminal reports whether the task has reached a state that will never run
// again within this execution.
func (r *Record) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusError, StatusSkipped:
		return true
	}
	return false
}

// Validate checks the fields that must hold before a task is scheduled.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("task has no id")
	}
	if r.Prompt == "" {
		return fmt.Errorf("task %s has no prompt", r.ID)
	}
	switch r.Condition {
	case "", OnSuccess, OnFailure, Always:
	default:
		return fmt.Errorf("task %s has unknown condition %q", r.ID, r.Condition)
	}
	switch r.Status {
	case "", StatusPending, StatusRunning, StatusCompleted, StatusError, StatusPaused, StatusSkipped:
	default:
		return fmt.Errorf("task %s has unknown status %q", r.ID, r.Status)
	}
	return nil
}

// ConditionMet evaluates the task's run condition against the status of its
// most recently resolved dependency. A task with no dependencies always
// meets its condition.
func (r *Record) ConditionMet(depStatus Status) bool {
	switch r.Condition {
	case Always:
		return true
	case OnFailure:
		return depStatus == StatusError
	case OnSuccess, "":
		return depStatus == StatusCompleted
	}
	return false
}

// Clone returns a copy of the record safe for callers to mutate.
func (r *Record) Clone() *Record {
	c := *r
	if r.PausedUntil != nil {
		t := *r.PausedUntil
		c.PausedUntil = &t
	}
	if r.DependsOn != nil {
		c.DependsOn = append([]string(nil), r.DependsOn...)
	}
	return &c
}

// CloneAll copies a task list.
func CloneAll(tasks []*Record) []*Record {
	out := make([]*Record, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
