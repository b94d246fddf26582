package models

import "fmt"

// CaptureFormatError reports structured output that failed to parse under the
// declared capture format. Always fatal to the capturing step.
type CaptureFormatError struct {
	Name   string
	Format CaptureFormat
	Cause  error
}

func (e *CaptureFormatError) Error() string {
	return fmt.Sprintf("capture %q: cannot parse output as %s: %v", e.Name, e.Format, e.Cause)
}

func (e *CaptureFormatError) Unwrap() error { return e.Cause }

// InterpolationError reports an unknown variable reference. It is a hard
// error for the owning step, never a silent empty substitution.
type InterpolationError struct {
	Reference string
}

func (e *InterpolationError) Error() string {
	return fmt.Sprintf("unknown variable reference %q", e.Reference)
}

// ExecutionTimeout reports a command that exceeded its deadline.
type ExecutionTimeout struct {
	Step    string
	Timeout string
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.Timeout)
}

// WorkspaceConflict reports a workspace merge that could not be resolved.
type WorkspaceConflict struct {
	Workspace string
	Cause     error
}

func (e *WorkspaceConflict) Error() string {
	return fmt.Sprintf("merge of workspace %q failed: %v", e.Workspace, e.Cause)
}

func (e *WorkspaceConflict) Unwrap() error { return e.Cause }

// CleanupFailure is non-fatal: the workspace could not be removed and was
// recorded as an orphan instead.
type CleanupFailure struct {
	Workspace string
	Cause     error
}

func (e *CleanupFailure) Error() string {
	return fmt.Sprintf("cleanup of workspace %q failed: %v", e.Workspace, e.Cause)
}

func (e *CleanupFailure) Unwrap() error { return e.Cause }

// RetryExhausted routes a work item to the dead letter queue.
type RetryExhausted struct {
	ItemID   string
	Attempts int
	Cause    error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("item %q failed after %d attempts: %v", e.ItemID, e.Attempts, e.Cause)
}

func (e *RetryExhausted) Unwrap() error { return e.Cause }

// CircuitBreakerTripped fails the map phase and abandons queued items.
type CircuitBreakerTripped struct {
	Consecutive int
	FailureRate float64
}

func (e *CircuitBreakerTripped) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures, %.0f%% total failure rate",
		e.Consecutive, e.FailureRate*100)
}

// ResumeConflict reports that another resume holds the job's lock.
type ResumeConflict struct {
	JobID  string
	Holder string
}

func (e *ResumeConflict) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("resume already in progress for job %q (held by %s)", e.JobID, e.Holder)
	}
	return fmt.Sprintf("resume already in progress for job %q", e.JobID)
}
