// Package state persists in-flight pipeline progress so a run can be paused
// to disk and resumed later, including across process restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/igoryan-dao/cascade/internal/paths"
)

// Status of a pipeline execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// PauseReason records why a run was suspended.
type PauseReason string

const (
	PauseManual    PauseReason = "manual"
	PauseRateLimit PauseReason = "rate_limit"
	PauseError     PauseReason = "error"
	PauseTimeout   PauseReason = "timeout"
)

// StepResult is the terminal record of one step within an execution.
// Entries are keyed by StepIndex; a retry replaces the existing entry.
type StepResult struct {
	StepIndex     int       `json:"step_index"`
	StepID        string    `json:"step_id"`
	Status        string    `json:"status"`
	SessionID     string    `json:"session_id,omitempty"`
	OutputSession bool      `json:"output_session,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	SkipReason    string    `json:"skip_reason,omitempty"`
}

// WorkflowState is the durable record of one pipeline execution. It is owned
// exclusively by the Store; the orchestrator holds only a transient
// reference during an active run.
type WorkflowState struct {
	ExecutionID  string `json:"execution_id"`
	WorkflowName string `json:"workflow_name"`
	WorkflowPath string `json:"workflow_path,omitempty"`

	Status      Status      `json:"status"`
	CurrentStep int         `json:"current_step"`
	TotalSteps  int         `json:"total_steps"`
	PauseReason PauseReason `json:"pause_reason,omitempty"`
	CanResume   bool        `json:"can_resume"`

	// PausedUntil carries a rate-limit reset time; Resume refuses to run
	// again before it.
	PausedUntil *time.Time `json:"paused_until,omitempty"`

	// SessionMappings accumulates task id -> session id for steps that
	// requested session output.
	SessionMappings map[string]string `json:"session_mappings"`
	CompletedSteps  []StepResult      `json:"completed_steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists workflow states as one JSON file per execution id. All
// mutations for the same id are serialized through an in-process mutex plus
// a file lock, so a UI-triggered pause cannot race a natural completion.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. An empty dir uses the global
// execution directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = paths.GetExecutionDir()
	}
	if err := paths.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create execution dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// NewExecution creates and persists a fresh pending state.
func (s *Store) NewExecution(workflowName, workflowPath string, totalSteps int) (*WorkflowState, error) {
	st := &WorkflowState{
		ExecutionID:     uuid.New().String(),
		WorkflowName:    workflowName,
		WorkflowPath:    workflowPath,
		Status:          StatusPending,
		TotalSteps:      totalSteps,
		CanResume:       true,
		SessionMappings: make(map[string]string),
		CreatedAt:       time.Now(),
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// withLock runs fn while holding both the in-process mutex and the file
// lock for the execution id.
func (s *Store) withLock(id string, fn func() error) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	fl := flock.New(s.statePath(id) + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock state for %s: %w", id, err)
	}
	defer fl.Unlock()

	return fn()
}

// Save persists the state, overwriting any prior version.
func (s *Store) Save(st *WorkflowState) error {
	if st.ExecutionID == "" {
		return fmt.Errorf("state has no execution id")
	}
	return s.withLock(st.ExecutionID, func() error {
		return s.write(st)
	})
}

func (s *Store) write(st *WorkflowState) error {
	st.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write-then-rename so a crash mid-write never corrupts the record.
	tmp := s.statePath(st.ExecutionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath(st.ExecutionID))
}

// Load reads the state for an execution id. A missing record returns nil.
func (s *Store) Load(id string) (*WorkflowState, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", id, err)
	}
	if st.SessionMappings == nil {
		st.SessionMappings = make(map[string]string)
	}
	return &st, nil
}

// List returns every persisted state.
func (s *Store) List() ([]*WorkflowState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var states []*WorkflowState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		st, err := s.Load(id)
		if err != nil || st == nil {
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// ListResumable returns states that were paused and can still be resumed.
func (s *Store) ListResumable() ([]*WorkflowState, error) {
	states, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*WorkflowState
	for _, st := range states {
		if st.CanResume && (st.Status == StatusPaused || st.Status == StatusTimeout) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Delete removes the state for an execution id.
func (s *Store) Delete(id string) error {
	return s.withLock(id, func() error {
		if err := os.Remove(s.statePath(id)); err != nil && !os.IsNotExist(err) {
			return err
		}
		os.Remove(s.statePath(id) + ".lock")
		return nil
	})
}

// Cleanup deletes states older than maxAge and returns how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	states, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, st := range states {
		if st.UpdatedAt.Before(cutoff) {
			if err := s.Delete(st.ExecutionID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// update loads, mutates and re-persists a state under the execution lock.
func (s *Store) update(id string, fn func(*WorkflowState) error) (*WorkflowState, error) {
	var out *WorkflowState
	err := s.withLock(id, func() error {
		st, err := s.Load(id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("no execution %s", id)
		}
		if err := fn(st); err != nil {
			return err
		}
		out = st
		return s.write(st)
	})
	return out, err
}

// MarkRunning transitions a pending or resumed state to running.
func (s *Store) MarkRunning(id string) (*WorkflowState, error) {
	return s.update(id, func(st *WorkflowState) error {
		if st.Status != StatusPending && st.Status != StatusRunning {
			return fmt.Errorf("cannot start execution %s in status %s", id, st.Status)
		}
		st.Status = StatusRunning
		st.PauseReason = ""
		return nil
	})
}

// Pause suspends a running execution. Only legal when the status is exactly
// running; the check-and-set happens under the execution lock so a racing
// completion wins cleanly. A timeout reason yields the distinct timeout
// status, which stays resumable; an error reason does not. A non-nil until
// records the earliest time a resume may run again, surviving restarts.
func (s *Store) Pause(id string, reason PauseReason, until *time.Time) (*WorkflowState, error) {
	return s.update(id, func(st *WorkflowState) error {
		if st.Status != StatusRunning {
			return fmt.Errorf("cannot pause execution %s in status %s", id, st.Status)
		}
		if reason == PauseTimeout {
			st.Status = StatusTimeout
		} else {
			st.Status = StatusPaused
		}
		st.PauseReason = reason
		st.CanResume = reason != PauseError
		st.PausedUntil = until
		return nil
	})
}

// Resume transitions a paused or timed-out execution back to running.
func (s *Store) Resume(id string) (*WorkflowState, error) {
	return s.update(id, func(st *WorkflowState) error {
		if st.Status != StatusPaused && st.Status != StatusTimeout {
			return fmt.Errorf("cannot resume execution %s in status %s", id, st.Status)
		}
		if !st.CanResume {
			return fmt.Errorf("execution %s is not resumable", id)
		}
		if st.PausedUntil != nil && time.Now().Before(*st.PausedUntil) {
			return fmt.Errorf("execution %s is rate limited until %s", id, st.PausedUntil.Format(time.RFC3339))
		}
		st.Status = StatusRunning
		st.PauseReason = ""
		st.PausedUntil = nil
		return nil
	})
}

// Complete marks a run as finished.
func (s *Store) Complete(id string) (*WorkflowState, error) {
	return s.update(id, func(st *WorkflowState) error {
		st.Status = StatusCompleted
		st.PauseReason = ""
		st.CanResume = false
		return nil
	})
}

// RecordStepResult upserts a step result by step index. A step that wrote a
// session id and requested session output merges it into the session
// mappings. Success advances the resolved-step count; a failed step marks
// the whole execution failed and non-resumable.
func (s *Store) RecordStepResult(id string, result StepResult) (*WorkflowState, error) {
	return s.update(id, func(st *WorkflowState) error {
		replaced := false
		for i := range st.CompletedSteps {
			if st.CompletedSteps[i].StepIndex == result.StepIndex {
				st.CompletedSteps[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			st.CompletedSteps = append(st.CompletedSteps, result)
		}

		if result.OutputSession && result.SessionID != "" {
			st.SessionMappings[result.StepID] = result.SessionID
		}

		// CurrentStep counts fully resolved steps; recomputing keeps a
		// replaced retry from advancing it twice.
		resolved := 0
		for _, sr := range st.CompletedSteps {
			if sr.Status == "completed" || sr.Status == "skipped" {
				resolved++
			}
		}
		st.CurrentStep = resolved

		if result.Status == "error" {
			st.Status = StatusFailed
			st.CanResume = false
		}
		return nil
	})
}
