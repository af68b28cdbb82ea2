package state

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

// writeBackdated persists a state without the UpdatedAt restamp Save applies.
func writeBackdated(t *testing.T, s *Store, st *WorkflowState) {
	t.Helper()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(s.statePath(st.ExecutionID), data, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s, dir
}

func TestNewExecutionRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	st, err := s.NewExecution("deploy", "/tmp/deploy.yaml", 3)
	if err != nil {
		t.Fatalf("NewExecution failed: %v", err)
	}
	if st.ExecutionID == "" {
		t.Fatal("expected a generated execution id")
	}
	if st.Status != StatusPending || !st.CanResume {
		t.Errorf("fresh execution should be pending and resumable, got %s/%v", st.Status, st.CanResume)
	}

	loaded, err := s.Load(st.ExecutionID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected persisted state")
	}
	if loaded.WorkflowName != "deploy" || loaded.TotalSteps != 3 {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	st, err := s.Load("does-not-exist")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil for missing execution, got %+v", st)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	s, dir := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 2)
	s.MarkRunning(st.ExecutionID)
	s.Pause(st.ExecutionID, PauseRateLimit, nil)

	// A fresh store over the same directory stands in for a new process.
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	loaded, err := s2.Load(st.ExecutionID)
	if err != nil || loaded == nil {
		t.Fatalf("Load after restart failed: %v (%v)", loaded, err)
	}
	if loaded.Status != StatusPaused || loaded.PauseReason != PauseRateLimit {
		t.Errorf("expected paused/rate_limit after restart, got %s/%s", loaded.Status, loaded.PauseReason)
	}
	if !loaded.CanResume {
		t.Error("rate-limit pause must stay resumable")
	}
}

func TestPauseOnlyFromRunning(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)

	if _, err := s.Pause(st.ExecutionID, PauseManual, nil); err == nil {
		t.Error("pausing a pending execution must fail")
	}

	s.MarkRunning(st.ExecutionID)
	s.Complete(st.ExecutionID)

	if _, err := s.Pause(st.ExecutionID, PauseManual, nil); err == nil {
		t.Error("pausing a completed execution must fail")
	}
}

func TestPauseReasons(t *testing.T) {
	cases := []struct {
		reason     PauseReason
		wantStatus Status
		wantResume bool
	}{
		{PauseManual, StatusPaused, true},
		{PauseRateLimit, StatusPaused, true},
		{PauseTimeout, StatusTimeout, true},
		{PauseError, StatusPaused, false},
	}

	for _, tc := range cases {
		s, _ := newTestStore(t)
		st, _ := s.NewExecution("wf", "wf.yaml", 1)
		s.MarkRunning(st.ExecutionID)

		paused, err := s.Pause(st.ExecutionID, tc.reason, nil)
		if err != nil {
			t.Fatalf("Pause(%s) failed: %v", tc.reason, err)
		}
		if paused.Status != tc.wantStatus {
			t.Errorf("Pause(%s) status = %s, want %s", tc.reason, paused.Status, tc.wantStatus)
		}
		if paused.CanResume != tc.wantResume {
			t.Errorf("Pause(%s) CanResume = %v, want %v", tc.reason, paused.CanResume, tc.wantResume)
		}
	}
}

func TestResumeLegality(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)

	if _, err := s.Resume(st.ExecutionID); err == nil {
		t.Error("resuming a pending execution must fail")
	}

	s.MarkRunning(st.ExecutionID)
	s.Pause(st.ExecutionID, PauseTimeout, nil)

	resumed, err := s.Resume(st.ExecutionID)
	if err != nil {
		t.Fatalf("resume from timeout failed: %v", err)
	}
	if resumed.Status != StatusRunning || resumed.PauseReason != "" {
		t.Errorf("expected running with cleared reason, got %s/%s", resumed.Status, resumed.PauseReason)
	}
}

func TestResumeGatedByPausedUntil(t *testing.T) {
	s, dir := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)
	s.MarkRunning(st.ExecutionID)

	until := time.Now().Add(time.Hour)
	paused, err := s.Pause(st.ExecutionID, PauseRateLimit, &until)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.PausedUntil == nil || !paused.PausedUntil.Equal(until) {
		t.Fatalf("expected PausedUntil %v persisted, got %v", until, paused.PausedUntil)
	}

	if _, err := s.Resume(st.ExecutionID); err == nil {
		t.Error("resuming before the reset time must fail")
	}

	// The gate holds across a restart too.
	s2, _ := NewStore(dir)
	if _, err := s2.Resume(st.ExecutionID); err == nil {
		t.Error("a fresh process must honor the persisted reset time")
	}
}

func TestResumeClearsElapsedPausedUntil(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)
	s.MarkRunning(st.ExecutionID)

	until := time.Now().Add(-time.Minute)
	s.Pause(st.ExecutionID, PauseRateLimit, &until)

	resumed, err := s.Resume(st.ExecutionID)
	if err != nil {
		t.Fatalf("resume after the reset time failed: %v", err)
	}
	if resumed.PausedUntil != nil {
		t.Errorf("resume must clear the reset time, got %v", resumed.PausedUntil)
	}
}

func TestResumeRefusedWhenNotResumable(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)
	s.MarkRunning(st.ExecutionID)
	s.Pause(st.ExecutionID, PauseError, nil)

	if _, err := s.Resume(st.ExecutionID); err == nil {
		t.Error("resuming a non-resumable execution must fail")
	}
}

func TestRecordStepResultUpsert(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 2)
	s.MarkRunning(st.ExecutionID)

	// First attempt at step 0 pauses; the retry overwrites its slot.
	s.RecordStepResult(st.ExecutionID, StepResult{StepIndex: 0, StepID: "a", Status: "paused"})
	updated, err := s.RecordStepResult(st.ExecutionID, StepResult{
		StepIndex:     0,
		StepID:        "a",
		Status:        "completed",
		SessionID:     "s1",
		OutputSession: true,
	})
	if err != nil {
		t.Fatalf("RecordStepResult failed: %v", err)
	}

	if len(updated.CompletedSteps) != 1 {
		t.Fatalf("expected upsert to keep one entry, got %d", len(updated.CompletedSteps))
	}
	if updated.CompletedSteps[0].Status != "completed" {
		t.Errorf("retry did not replace the entry: %+v", updated.CompletedSteps[0])
	}
	if updated.CurrentStep != 1 {
		t.Errorf("expected CurrentStep 1 after the retry resolved, got %d", updated.CurrentStep)
	}
	if updated.SessionMappings["a"] != "s1" {
		t.Errorf("expected session mapping a->s1, got %v", updated.SessionMappings)
	}
}

func TestRecordStepResultSkippedAdvances(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 2)
	s.MarkRunning(st.ExecutionID)

	updated, err := s.RecordStepResult(st.ExecutionID, StepResult{StepIndex: 0, StepID: "a", Status: "skipped"})
	if err != nil {
		t.Fatalf("RecordStepResult failed: %v", err)
	}
	if updated.CurrentStep != 1 {
		t.Errorf("skipped steps count as resolved, got CurrentStep %d", updated.CurrentStep)
	}
}

func TestRecordStepResultNoMappingWithoutOutputSession(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)
	s.MarkRunning(st.ExecutionID)

	updated, _ := s.RecordStepResult(st.ExecutionID, StepResult{
		StepIndex: 0, StepID: "a", Status: "completed", SessionID: "s1",
	})
	if _, ok := updated.SessionMappings["a"]; ok {
		t.Error("mapping must only be written when the step requested session output")
	}
}

func TestRecordStepResultFailureIsTerminal(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)
	s.MarkRunning(st.ExecutionID)

	updated, err := s.RecordStepResult(st.ExecutionID, StepResult{
		StepIndex: 0, StepID: "a", Status: "error", Error: "boom",
	})
	if err != nil {
		t.Fatalf("RecordStepResult failed: %v", err)
	}
	if updated.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", updated.Status)
	}
	if updated.CanResume {
		t.Error("failed executions must not be resumable")
	}
	if _, err := s.Resume(st.ExecutionID); err == nil {
		t.Error("resume after failure must be refused")
	}
}

func TestListResumable(t *testing.T) {
	s, _ := newTestStore(t)

	paused, _ := s.NewExecution("a", "a.yaml", 1)
	s.MarkRunning(paused.ExecutionID)
	s.Pause(paused.ExecutionID, PauseManual, nil)

	timedOut, _ := s.NewExecution("b", "b.yaml", 1)
	s.MarkRunning(timedOut.ExecutionID)
	s.Pause(timedOut.ExecutionID, PauseTimeout, nil)

	done, _ := s.NewExecution("c", "c.yaml", 1)
	s.MarkRunning(done.ExecutionID)
	s.Complete(done.ExecutionID)

	errored, _ := s.NewExecution("d", "d.yaml", 1)
	s.MarkRunning(errored.ExecutionID)
	s.Pause(errored.ExecutionID, PauseError, nil)

	out, err := s.ListResumable()
	if err != nil {
		t.Fatalf("ListResumable failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 resumable executions, got %d", len(out))
	}
	for _, st := range out {
		if st.WorkflowName != "a" && st.WorkflowName != "b" {
			t.Errorf("unexpected resumable execution %s", st.WorkflowName)
		}
	}
}

func TestCleanup(t *testing.T) {
	s, _ := newTestStore(t)

	old, _ := s.NewExecution("old", "old.yaml", 1)
	fresh, _ := s.NewExecution("fresh", "fresh.yaml", 1)

	// Save always restamps UpdatedAt, so backdate the file directly.
	stale, _ := s.Load(old.ExecutionID)
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	writeBackdated(t, s, stale)

	removed, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if st, _ := s.Load(old.ExecutionID); st != nil {
		t.Error("old execution should be gone")
	}
	if st, _ := s.Load(fresh.ExecutionID); st == nil {
		t.Error("fresh execution should survive")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	st, _ := s.NewExecution("wf", "wf.yaml", 1)

	if err := s.Delete(st.ExecutionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(st.ExecutionID); err != nil {
		t.Errorf("second Delete must be a no-op, got %v", err)
	}
}
