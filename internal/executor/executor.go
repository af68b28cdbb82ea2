// Package executor runs one pipeline task as a subprocess invocation of the
// external AI tool, captures its output and detects rate-limit signals.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/igoryan-dao/cascade/internal/paths"
)

const (
	// MaxBufferSize is the maximum amount of output kept in memory per
	// invocation. If output exceeds this it is truncated in the result, but
	// the full output remains in the log file.
	MaxBufferSize = 256 * 1024

	// rateLimitMarker is the text the external tool prints when usage is
	// exhausted, followed by "|<unix-timestamp>" of the reset time.
	rateLimitMarker = "usage limit reached"
)

var rateLimitPattern = regexp.MustCompile(regexp.QuoteMeta(rateLimitMarker) + `\|(\d+)`)

// Options carries the per-invocation flags for the external tool.
type Options struct {
	// AllowAllTools and BypassPermissions both map to the tool's single
	// skip-permission-prompts flag. They are treated as a boolean OR; if
	// either is set the flag is included exactly once.
	AllowAllTools     bool
	BypassPermissions bool

	OutputFormat    string
	MaxTurns        int
	ResumeSessionID string

	// Timeout bounds the wait for subprocess exit. Zero means no bound.
	Timeout time.Duration
}

// Request describes one invocation of the external tool.
type Request struct {
	Prompt     string
	Model      string
	WorkingDir string
	Options    Options
}

// Result is the outcome of one invocation.
type Result struct {
	Success  bool
	Output   string
	Stderr   string
	Error    string
	ExitCode int

	// SessionID is extracted from structured output when present. Parsing
	// failures never fail the invocation.
	SessionID string

	// RateLimited marks a failed-but-recoverable invocation; ResetAt is the
	// earliest time a retry may happen.
	RateLimited bool
	ResetAt     time.Time

	TimedOut  bool
	Cancelled bool

	LogFile string
}

// Runner is the interface the orchestrator drives. The concrete Executor
// spawns real subprocesses; tests substitute a fake.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Executor invokes the external AI tool as a subprocess.
type Executor struct {
	tool   string
	logDir string
}

// New creates an executor for the given tool binary. Invocation logs go to
// the global log directory for workspaceRoot.
func New(tool, workspaceRoot string) *Executor {
	return &Executor{
		tool:   tool,
		logDir: paths.GetLogDir(workspaceRoot),
	}
}

// BuildArgs constructs the tool's argument vector. An explicit vector, not a
// shell string, so prompts never go through shell quoting.
func BuildArgs(req Request) []string {
	args := []string{"-p", req.Prompt}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Options.AllowAllTools || req.Options.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.Options.OutputFormat != "" {
		args = append(args, "--output-format", req.Options.OutputFormat)
	}
	if req.Options.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.Options.MaxTurns))
	}
	if req.Options.ResumeSessionID != "" {
		args = append(args, "--resume", req.Options.ResumeSessionID)
	}
	return args
}

func validate(req Request) error {
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if req.WorkingDir != "" {
		info, err := os.Stat(req.WorkingDir)
		if err != nil || !info.IsDir() {
			return &ValidationError{Field: "working directory", Reason: fmt.Sprintf("%s is not a directory", req.WorkingDir)}
		}
	}
	return nil
}

// Execute spawns the tool, streams stdout/stderr into buffers and a log
// file, and collects the full output on exit. A non-zero exit with no
// rate-limit marker yields an ExecutionError with Output taken from stderr
// if non-empty, else stdout; the partial Result is returned alongside it.
// Exit code 0 is success even when the output is empty or not valid JSON;
// structured parsing is the caller's concern.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.tool, BuildArgs(req)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := &Result{}
	if err := paths.EnsureDir(e.logDir); err == nil {
		logPath := filepath.Join(e.logDir, fmt.Sprintf("%s.log", uuid.New().String()))
		if logFile, err := os.Create(logPath); err == nil {
			defer logFile.Close()
			cmd.Stdout = io.MultiWriter(&stdout, logFile)
			cmd.Stderr = io.MultiWriter(&stderr, logFile)
			res.LogFile = logPath
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Tool: e.tool, Err: err}
	}

	waitErr := cmd.Wait()

	res.Output = truncate(stdout.String())
	res.Stderr = truncate(stderr.String())
	res.ExitCode = cmd.ProcessState.ExitCode()

	// Rate-limit markers may appear on either stream. They take precedence
	// over the exit code: the invocation is failed but recoverable.
	if resetAt, ok := DetectRateLimit(res.Output + "\n" + res.Stderr); ok {
		res.RateLimited = true
		res.ResetAt = resetAt
		res.Error = fmt.Sprintf("%s, retry after %s", rateLimitMarker, resetAt.Format(time.RFC3339))
		return res, nil
	}

	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.TimedOut = true
			res.Error = (&TimeoutError{After: req.Options.Timeout}).Error()
		} else {
			res.Cancelled = true
			res.Error = (&CancelledError{}).Error()
		}
		return res, nil
	}

	if waitErr != nil {
		res.Error = res.Stderr
		if res.Error == "" {
			res.Error = res.Output
		}
		if res.Error == "" {
			res.Error = waitErr.Error()
		}
		return res, &ExecutionError{ExitCode: res.ExitCode, Output: res.Error}
	}

	res.Success = true
	if req.Options.OutputFormat == "json" {
		res.SessionID = ExtractSessionID(res.Output)
	}
	return res, nil
}

// ExecuteWithRetry retries rate-limited invocations up to maxAttempts,
// waiting until the reported reset time between attempts. Exceeding the
// bound is a terminal RateLimitError.
func ExecuteWithRetry(ctx context.Context, r Runner, req Request, maxAttempts int) (*Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := r.Execute(ctx, req)
		if err != nil {
			return res, err
		}
		if !res.RateLimited {
			return res, nil
		}
		last = res

		if attempt == maxAttempts {
			break
		}
		if err := waitUntil(ctx, res.ResetAt); err != nil {
			// Cancellation while waiting out the reset time is the same
			// user action as killing the subprocess; report it the same
			// way so the caller pauses instead of failing terminally.
			return &Result{Cancelled: true, Error: (&CancelledError{}).Error()}, nil
		}
	}
	return last, &RateLimitError{ResetAt: last.ResetAt, Attempts: maxAttempts}
}

func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DetectRateLimit scans tool output for the rate-limit marker and returns
// the reset time it carries.
func DetectRateLimit(output string) (time.Time, bool) {
	m := rateLimitPattern.FindStringSubmatch(output)
	if m == nil {
		return time.Time{}, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// ExtractSessionID pulls the session id out of structured tool output.
// Invalid or non-JSON output yields an empty id, never an error.
func ExtractSessionID(output string) string {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		return ""
	}
	return payload.SessionID
}

func truncate(s string) string {
	if len(s) > MaxBufferSize {
		return s[:MaxBufferSize] + "\n... (output truncated, see log file for full output)"
	}
	return s
}
