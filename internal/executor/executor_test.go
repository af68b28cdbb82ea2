package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir so tests can
// stand in for the external tool binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newTestExecutor(t *testing.T, tool string) *Executor {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return New(tool, t.TempDir())
}

func TestBuildArgs(t *testing.T) {
	req := Request{
		Prompt: "analyze the code",
		Model:  "sonnet",
		Options: Options{
			AllowAllTools:   true,
			OutputFormat:    "json",
			MaxTurns:        5,
			ResumeSessionID: "s1",
		},
	}

	got := BuildArgs(req)
	want := []string{
		"-p", "analyze the code",
		"--model", "sonnet",
		"--dangerously-skip-permissions",
		"--output-format", "json",
		"--max-turns", "5",
		"--resume", "s1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs = %v, want %v", got, want)
	}
}

func TestBuildArgs_SkipPermissionsOnce(t *testing.T) {
	req := Request{
		Prompt:  "p",
		Options: Options{AllowAllTools: true, BypassPermissions: true},
	}

	count := 0
	for _, a := range BuildArgs(req) {
		if a == "--dangerously-skip-permissions" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected the skip-permissions flag exactly once, got %d", count)
	}
}

func TestBuildArgs_Minimal(t *testing.T) {
	got := BuildArgs(Request{Prompt: "hello"})
	want := []string{"-p", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs = %v, want %v", got, want)
	}
}

func TestExecute_ValidationErrors(t *testing.T) {
	e := newTestExecutor(t, "echo")

	var verr *ValidationError
	if _, err := e.Execute(context.Background(), Request{}); !errors.As(err, &verr) {
		t.Errorf("empty prompt: expected ValidationError, got %v", err)
	}

	req := Request{Prompt: "p", WorkingDir: "/definitely/not/a/dir"}
	if _, err := e.Execute(context.Background(), req); !errors.As(err, &verr) {
		t.Errorf("bad working dir: expected ValidationError, got %v", err)
	}
}

func TestExecute_SpawnError(t *testing.T) {
	e := newTestExecutor(t, "/no/such/binary")

	var serr *SpawnError
	if _, err := e.Execute(context.Background(), Request{Prompt: "p"}); !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestExecute_Success(t *testing.T) {
	tool := writeScript(t, `echo '{"session_id":"abc-123","result":"done"}'`)
	e := newTestExecutor(t, tool)

	res, err := e.Execute(context.Background(), Request{
		Prompt:  "p",
		Options: Options{OutputFormat: "json"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !res.Success {
		t.Errorf("expected success, got error %q", res.Error)
	}
	if res.SessionID != "abc-123" {
		t.Errorf("expected session abc-123, got %q", res.SessionID)
	}
	if res.LogFile == "" {
		t.Error("expected a log file path")
	} else if _, err := os.Stat(res.LogFile); err != nil {
		t.Errorf("log file not written: %v", err)
	}
}

func TestExecute_NonJSONOutputStillSucceeds(t *testing.T) {
	tool := writeScript(t, `echo 'plain text, not json'`)
	e := newTestExecutor(t, tool)

	res, err := e.Execute(context.Background(), Request{
		Prompt:  "p",
		Options: Options{OutputFormat: "json"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Errorf("exit 0 with unparseable output must still succeed, got error %q", res.Error)
	}
	if res.SessionID != "" {
		t.Errorf("expected empty session id, got %q", res.SessionID)
	}
}

func TestExecute_Failure(t *testing.T) {
	tool := writeScript(t, `echo 'something broke' >&2; exit 2`)
	e := newTestExecutor(t, tool)

	res, err := e.Execute(context.Background(), Request{Prompt: "p"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", execErr.ExitCode)
	}
	if !strings.Contains(execErr.Output, "something broke") {
		t.Errorf("expected stderr in error, got %q", execErr.Output)
	}

	if res == nil {
		t.Fatal("expected partial result alongside the error")
	}
	if res.Success {
		t.Error("expected failure")
	}
	if res.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", res.ExitCode)
	}
}

func TestExecute_RateLimit(t *testing.T) {
	tool := writeScript(t, `echo 'usage limit reached|1735689600'; exit 1`)
	e := newTestExecutor(t, tool)

	res, err := e.Execute(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !res.RateLimited {
		t.Fatal("expected rate-limited result")
	}
	if res.Success {
		t.Error("rate-limited invocation must not be a success")
	}
	if got := res.ResetAt.Unix(); got != 1735689600 {
		t.Errorf("expected reset at 1735689600, got %d", got)
	}
}

func TestExecute_Timeout(t *testing.T) {
	tool := writeScript(t, `sleep 10`)
	e := newTestExecutor(t, tool)

	res, err := e.Execute(context.Background(), Request{
		Prompt:  "p",
		Options: Options{Timeout: 100 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !res.TimedOut {
		t.Error("expected timed-out result")
	}
	if res.Cancelled {
		t.Error("timeout must not be reported as cancellation")
	}
}

func TestExecute_Cancelled(t *testing.T) {
	tool := writeScript(t, `sleep 10`)
	e := newTestExecutor(t, tool)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := e.Execute(ctx, Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !res.Cancelled {
		t.Error("expected cancelled result")
	}
	if res.TimedOut {
		t.Error("cancellation must not be reported as timeout")
	}
}

func TestDetectRateLimit(t *testing.T) {
	if _, ok := DetectRateLimit("all good"); ok {
		t.Error("clean output should not detect a rate limit")
	}

	resetAt, ok := DetectRateLimit("blah\nusage limit reached|1735689600\nblah")
	if !ok {
		t.Fatal("marker not detected")
	}
	if resetAt.Unix() != 1735689600 {
		t.Errorf("expected 1735689600, got %d", resetAt.Unix())
	}

	if _, ok := DetectRateLimit("usage limit reached"); ok {
		t.Error("marker without timestamp should not match")
	}
}

func TestExtractSessionID(t *testing.T) {
	if got := ExtractSessionID(`{"session_id":"s1"}`); got != "s1" {
		t.Errorf("expected s1, got %q", got)
	}
	if got := ExtractSessionID("not json at all"); got != "" {
		t.Errorf("invalid json must yield empty id, got %q", got)
	}
	if got := ExtractSessionID(`{"result":"ok"}`); got != "" {
		t.Errorf("missing field must yield empty id, got %q", got)
	}
}

// scriptedRunner returns canned results in sequence, repeating the last one.
type scriptedRunner struct {
	results []*Result
	calls   int
}

func (r *scriptedRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++
	return r.results[i], nil
}

func TestExecuteWithRetry_EventualSuccess(t *testing.T) {
	past := time.Now().Add(-time.Second)
	r := &scriptedRunner{results: []*Result{
		{RateLimited: true, ResetAt: past},
		{Success: true},
	}}

	res, err := ExecuteWithRetry(context.Background(), r, Request{Prompt: "p"}, 3)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if !res.Success {
		t.Error("expected successful result")
	}
	if r.calls != 2 {
		t.Errorf("expected 2 invocations, got %d", r.calls)
	}
}

func TestExecuteWithRetry_BoundExhausted(t *testing.T) {
	past := time.Now().Add(-time.Second)
	r := &scriptedRunner{results: []*Result{
		{RateLimited: true, ResetAt: past},
	}}

	res, err := ExecuteWithRetry(context.Background(), r, Request{Prompt: "p"}, 2)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", rle.Attempts)
	}
	if res == nil || !res.RateLimited {
		t.Error("expected the last rate-limited result alongside the error")
	}
}

func TestExecuteWithRetry_CancelledDuringWait(t *testing.T) {
	r := &scriptedRunner{results: []*Result{
		{RateLimited: true, ResetAt: time.Now().Add(time.Hour)},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := ExecuteWithRetry(ctx, r, Request{Prompt: "p"}, 3)
	if err != nil {
		t.Fatalf("expected cancelled result, got error %v", err)
	}
	if !res.Cancelled {
		t.Error("expected Cancelled result when the reset wait is interrupted")
	}
	if r.calls != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", r.calls)
	}
}
