package pipeline

import (
	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
)

// ApplyState replays a persisted execution onto a freshly-built task list so
// a resumed run passes through everything a prior run already resolved. Only
// terminal step records are applied; a step that was running or paused when
// the state was written goes back to pending and is retried.
func ApplyState(tasks []*task.Record, st *state.WorkflowState) {
	if st == nil {
		return
	}

	byID := make(map[string]state.StepResult, len(st.CompletedSteps))
	for _, sr := range st.CompletedSteps {
		byID[sr.StepID] = sr
	}

	for _, t := range tasks {
		sr, ok := byID[t.ID]
		if !ok {
			t.Status = task.StatusPending
			continue
		}
		switch task.Status(sr.Status) {
		case task.StatusCompleted:
			t.Status = task.StatusCompleted
			t.SessionID = sr.SessionID
			t.Results = sr.Output
		case task.StatusSkipped:
			t.Status = task.StatusSkipped
			t.SkipReason = sr.SkipReason
		case task.StatusError:
			// A failed execution is not resumable; loading one back is a
			// caller error the store already guards. Leave the record as-is.
			t.Status = task.StatusError
			t.Results = sr.Output
		default:
			t.Status = task.StatusPending
		}
	}
}
