// Package pipeline sequences task records, wires session continuity between
// them, drives the step executor and publishes progress events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/igoryan-dao/cascade/internal/executor"
	"github.com/igoryan-dao/cascade/internal/session"
	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
)

// RunStatus is the orchestrator's coarse state machine:
// idle -> running -> {completed | failed | paused}.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused"
)

// Options carries the resolved execution context for a run. The orchestrator
// never reads configuration itself; the caller supplies final values.
type Options struct {
	Model      string
	WorkingDir string
	Exec       executor.Options

	// RateLimitRetries is the bound for the retrying wrapper. Zero means a
	// rate-limited invocation pauses the run immediately instead of waiting
	// in-process for the reset time.
	RateLimitRetries int
}

// Result summarizes a finished (or suspended) run.
type Result struct {
	Status RunStatus
	Tasks  []*task.Record
	Err    error
}

// Orchestrator executes one pipeline at a time. Exactly one step executor
// invocation is in flight at any moment; array order is execution order.
type Orchestrator struct {
	runner executor.Runner
	store  *state.Store
	opts   Options

	mu        sync.Mutex
	status    RunStatus
	pauseWant state.PauseReason
	cancelRun context.CancelFunc

	events chan Event
}

// eventBuffer is sized so a full run of any reasonable pipeline never
// blocks the engine on a slow subscriber.
const eventBuffer = 256

// New creates an orchestrator over the given runner and state store. An
// orchestrator drives a single run; create a fresh one per pipeline.
func New(runner executor.Runner, store *state.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		store:  store,
		opts:   opts,
		status: RunIdle,
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the event stream. It is closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Status reports the orchestrator's run state.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Pause requests suspension. It takes effect at the next task boundary and
// works even when no task has completed yet: a pause issued before the first
// task starts still yields a paused run, not a completed one.
func (o *Orchestrator) Pause(reason state.PauseReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason == "" {
		reason = state.PauseManual
	}
	o.pauseWant = reason
}

// Cancel kills the in-flight subprocess. Already-completed tasks are never
// altered; the interrupted task fails and the run pauses as manual.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	o.pauseWant = state.PauseManual
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) pauseRequested() state.PauseReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauseWant
}

func (o *Orchestrator) publish(ev Event) {
	select {
	case o.events <- ev:
	default:
		// The channel is sized for a full run; hitting this means the
		// subscriber abandoned the stream. Dropping beats deadlocking.
	}
}

func (o *Orchestrator) progress(tasks []*task.Record, index int, msg string) {
	o.publish(Event{Type: EventProgress, Tasks: task.CloneAll(tasks), Index: index, Message: msg})
}

// Run executes the task list in array order against the persisted execution
// st. Already-resolved tasks are passed through unchanged, which is how a
// resumed run skips its completed prefix. Run returns when the list is
// exhausted, a pause takes effect, or a terminal failure halts the run.
func (o *Orchestrator) Run(ctx context.Context, st *state.WorkflowState, tasks []*task.Record) (*Result, error) {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, &executor.ValidationError{Field: "task list", Reason: err.Error()}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.status != RunIdle {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator already used; create a new one per run")
	}
	o.status = RunRunning
	o.cancelRun = cancel
	o.mu.Unlock()

	res := o.run(runCtx, st, tasks)

	o.mu.Lock()
	o.status = res.Status
	o.cancelRun = nil
	close(o.events)
	o.mu.Unlock()

	return res, res.Err
}

func (o *Orchestrator) run(ctx context.Context, st *state.WorkflowState, tasks []*task.Record) *Result {
	if _, err := o.store.MarkRunning(st.ExecutionID); err != nil {
		return &Result{Status: RunFailed, Tasks: tasks, Err: err}
	}

	byID := make(map[string]*task.Record, len(tasks))
	order := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byID[t.ID] = t
		order[t.ID] = i
	}

	for i, t := range tasks {
		// Pause lands at task boundaries, including before the first task.
		if reason := o.pauseRequested(); reason != "" {
			return o.suspend(st, tasks, i, reason, "")
		}

		// Resume support: anything not pending was resolved by an earlier
		// run and passes through unchanged.
		if t.Status != task.StatusPending {
			continue
		}

		if !o.eligible(t, byID, order) {
			t.Status = task.StatusSkipped
			t.SkipReason = skipReason(t, byID, order)
			log.Printf("skipping task %s: %s", t.ID, t.SkipReason)
			o.recordStep(st, i, t, time.Now(), time.Now())
			o.progress(tasks, i, fmt.Sprintf("Skipped %s: %s", t.Name, t.SkipReason))
			continue
		}

		req := o.buildRequest(st, t)

		t.Status = task.StatusRunning
		o.progress(tasks, i, fmt.Sprintf("Running %s", t.Name))

		started := time.Now()
		execRes, err := o.execute(ctx, req)
		finished := time.Now()

		if err != nil {
			var rle *executor.RateLimitError
			if errors.As(err, &rle) {
				// Retry bound exhausted. The run pauses with the exact task
				// index preserved; resuming retries this task.
				t.Status = task.StatusPaused
				t.PausedUntil = &rle.ResetAt
				return o.suspend(st, tasks, i, state.PauseRateLimit, rle.Error())
			}
			t.Status = task.StatusError
			o.recordStepError(st, i, t, started, finished, err.Error())
			return o.fail(st, tasks, i, t, err.Error())
		}

		switch {
		case execRes.RateLimited:
			t.Status = task.StatusPaused
			resetAt := execRes.ResetAt
			t.PausedUntil = &resetAt
			return o.suspend(st, tasks, i, state.PauseRateLimit, execRes.Error)

		case execRes.TimedOut:
			t.Status = task.StatusPaused
			return o.suspend(st, tasks, i, state.PauseTimeout, execRes.Error)

		case execRes.Cancelled:
			// Cancellation never produces a completed task. The task goes
			// back to paused so a later resume can re-run it.
			t.Status = task.StatusPaused
			return o.suspend(st, tasks, i, state.PauseManual, execRes.Error)

		case execRes.Success:
			t.Status = task.StatusCompleted
			t.SessionID = execRes.SessionID
			t.Results = execRes.Output
			t.PausedUntil = nil
			o.recordStepResult(st, i, t, started, finished, execRes)
			o.progress(tasks, i, fmt.Sprintf("Completed %s", t.Name))

		default:
			t.Status = task.StatusError
			o.recordStepResult(st, i, t, started, finished, execRes)
			return o.fail(st, tasks, i, t, execRes.Error)
		}
	}

	// A pause requested during the final task still wins over completion.
	if reason := o.pauseRequested(); reason != "" {
		return o.suspend(st, tasks, len(tasks), reason, "")
	}

	if _, err := o.store.Complete(st.ExecutionID); err != nil {
		return &Result{Status: RunFailed, Tasks: tasks, Err: err}
	}
	o.publish(Event{Type: EventCompleted, Tasks: task.CloneAll(tasks), Index: len(tasks), Message: "Pipeline completed"})
	return &Result{Status: RunCompleted, Tasks: tasks}
}

// execute runs one invocation, through the retrying wrapper when a retry
// bound is configured.
func (o *Orchestrator) execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	if o.opts.RateLimitRetries > 0 {
		return executor.ExecuteWithRetry(ctx, o.runner, req, o.opts.RateLimitRetries)
	}
	return o.runner.Execute(ctx, req)
}

func (o *Orchestrator) buildRequest(st *state.WorkflowState, t *task.Record) executor.Request {
	req := executor.Request{
		Prompt:     t.Prompt,
		Model:      o.opts.Model,
		WorkingDir: o.opts.WorkingDir,
		Options:    o.opts.Exec,
	}
	req.Options.ResumeSessionID = ""
	if t.ResumeFromTaskID != "" {
		if id, ok := session.Resolve(st.SessionMappings, t.ResumeFromTaskID); ok {
			req.Options.ResumeSessionID = id
		}
		// An unresolved reference means no continuation; the task runs in a
		// fresh conversation.
	}
	return req
}

// latestDep returns the dependency that resolves last, by task-list index.
// DependsOn carries no ordering guarantee of its own.
func latestDep(t *task.Record, byID map[string]*task.Record, order map[string]int) *task.Record {
	var dep *task.Record
	best := -1
	for _, id := range t.DependsOn {
		d, ok := byID[id]
		if !ok {
			continue
		}
		if idx := order[id]; dep == nil || idx > best {
			best = idx
			dep = d
		}
	}
	return dep
}

// eligible evaluates the task's run condition against the most recently
// resolved dependency. Tasks without dependencies run unless they require a
// failure that never happened.
func (o *Orchestrator) eligible(t *task.Record, byID map[string]*task.Record, order map[string]int) bool {
	if t.Condition == task.Always {
		return true
	}
	if len(t.DependsOn) == 0 {
		return t.Condition != task.OnFailure
	}
	dep := latestDep(t, byID, order)
	if dep == nil {
		return false
	}
	return t.ConditionMet(dep.Status)
}

func skipReason(t *task.Record, byID map[string]*task.Record, order map[string]int) string {
	if len(t.DependsOn) == 0 {
		return fmt.Sprintf("condition %s has no dependency to satisfy it", t.Condition)
	}
	dep := latestDep(t, byID, order)
	if dep == nil {
		return fmt.Sprintf("dependency %s not found", t.DependsOn[0])
	}
	return fmt.Sprintf("condition %s not met: dependency %s is %s", t.Condition, dep.ID, dep.Status)
}

func (o *Orchestrator) suspend(st *state.WorkflowState, tasks []*task.Record, index int, reason state.PauseReason, msg string) *Result {
	// A rate-limit pause carries the interrupted task's reset time into the
	// durable record so a restart cannot retry early.
	var until *time.Time
	if index < len(tasks) {
		until = tasks[index].PausedUntil
	}
	if _, err := o.store.Pause(st.ExecutionID, reason, until); err != nil {
		// Completion may have raced a manual pause; the store's
		// check-and-set already picked the winner.
		log.Printf("pause of execution %s not applied: %v", st.ExecutionID, err)
	}
	if msg == "" {
		msg = fmt.Sprintf("Pipeline paused (%s)", reason)
	}
	o.publish(Event{Type: EventPaused, Tasks: task.CloneAll(tasks), Index: index, Message: msg})
	return &Result{Status: RunPaused, Tasks: tasks}
}

func (o *Orchestrator) fail(st *state.WorkflowState, tasks []*task.Record, index int, t *task.Record, msg string) *Result {
	// Failures report the failing task's captured output verbatim so the
	// operator sees the external tool's complaint.
	o.publish(Event{Type: EventFailed, Tasks: task.CloneAll(tasks), Index: index, Message: fmt.Sprintf("Task %s failed: %s", t.Name, msg)})
	return &Result{Status: RunFailed, Tasks: tasks, Err: fmt.Errorf("task %s failed: %s", t.ID, msg)}
}

func (o *Orchestrator) recordStep(st *state.WorkflowState, index int, t *task.Record, started, finished time.Time) {
	o.recordStepResult(st, index, t, started, finished, nil)
}

func (o *Orchestrator) recordStepError(st *state.WorkflowState, index int, t *task.Record, started, finished time.Time, msg string) {
	o.recordStepResult(st, index, t, started, finished, &executor.Result{Error: msg})
}

func (o *Orchestrator) recordStepResult(st *state.WorkflowState, index int, t *task.Record, started, finished time.Time, res *executor.Result) {
	sr := state.StepResult{
		StepIndex:     index,
		StepID:        t.ID,
		Status:        string(t.Status),
		SessionID:     t.SessionID,
		OutputSession: t.OutputSession,
		StartTime:     started,
		EndTime:       finished,
		SkipReason:    t.SkipReason,
	}
	if res != nil {
		sr.Output = res.Output
		sr.Error = res.Error
	}
	updated, err := o.store.RecordStepResult(st.ExecutionID, sr)
	if err != nil {
		log.Printf("failed to persist step result for %s: %v", t.ID, err)
		return
	}
	// Keep the transient reference in sync with the durable record so later
	// tasks resolve sessions written by this one.
	st.SessionMappings = updated.SessionMappings
	st.CurrentStep = updated.CurrentStep
	st.CompletedSteps = updated.CompletedSteps
}
