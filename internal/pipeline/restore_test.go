package pipeline

import (
	"testing"

	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
)

func TestApplyState(t *testing.T) {
	st := &state.WorkflowState{
		CompletedSteps: []state.StepResult{
			{StepIndex: 0, StepID: "a", Status: "completed", SessionID: "s1", Output: "report"},
			{StepIndex: 1, StepID: "b", Status: "skipped", SkipReason: "condition on_failure not met"},
			{StepIndex: 2, StepID: "c", Status: "paused"},
		},
	}

	tasks := []*task.Record{
		{ID: "a", Status: task.StatusPending},
		{ID: "b", Status: task.StatusPending},
		{ID: "c", Status: task.StatusPending},
		{ID: "d", Status: task.StatusPending},
	}
	ApplyState(tasks, st)

	if tasks[0].Status != task.StatusCompleted || tasks[0].SessionID != "s1" || tasks[0].Results != "report" {
		t.Errorf("completed step not restored: %+v", tasks[0])
	}
	if tasks[1].Status != task.StatusSkipped || tasks[1].SkipReason == "" {
		t.Errorf("skipped step not restored: %+v", tasks[1])
	}
	if tasks[2].Status != task.StatusPending {
		t.Errorf("paused step must be retried, got %s", tasks[2].Status)
	}
	if tasks[3].Status != task.StatusPending {
		t.Errorf("unrecorded step must stay pending, got %s", tasks[3].Status)
	}
}

func TestApplyStateNilState(t *testing.T) {
	tasks := []*task.Record{{ID: "a", Status: task.StatusPending}}
	ApplyState(tasks, nil)
	if tasks[0].Status != task.StatusPending {
		t.Errorf("nil state must leave tasks alone, got %s", tasks[0].Status)
	}
}
