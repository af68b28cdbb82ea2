package executor

import (
	"fmt"
	"time"
)

// ValidationError rejects a request before any subprocess spawns.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SpawnError means the subprocess could not start at all.
type SpawnError struct {
	Tool string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Tool, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecutionError is a non-zero exit with no rate-limit marker. It halts the
// pipeline and is not resumable.
type ExecutionError struct {
	ExitCode int
	Output   string
}

func (e *ExecutionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("tool exited with code %d: %s", e.ExitCode, e.Output)
	}
	return fmt.Sprintf("tool exited with code %d", e.ExitCode)
}

// RateLimitError is recoverable: the run pauses until ResetAt instead of
// failing. It becomes terminal only when the retry bound is exhausted.
type RateLimitError struct {
	ResetAt  time.Time
	Attempts int
}

func (e *RateLimitError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rate limited until %s after %d attempts", e.ResetAt.Format(time.RFC3339), e.Attempts)
	}
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// TimeoutError means the subprocess did not exit within the bounded wait.
// Unlike ExecutionError the run remains resumable.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool did not exit within %s", e.After)
}

// CancelledError is a user-initiated cancellation, terminal for that
// invocation only.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "invocation cancelled" }
