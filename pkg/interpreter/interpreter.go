package interpreter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/executor"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/vars"
)

// Logger defines the logging interface for the Interpreter
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PhaseStatus is the interpreter's state for one phase instance.
type PhaseStatus string

const (
	IdlePhase      PhaseStatus = "IDLE"
	RunningPhase   PhaseStatus = "RUNNING"
	CompletedPhase PhaseStatus = "COMPLETED"
	FailedPhase    PhaseStatus = "FAILED"
	AbortedPhase   PhaseStatus = "ABORTED"
)

// StepOutcome classifies how one step ended.
type StepOutcome string

const (
	StepCompleted StepOutcome = "COMPLETED"
	StepSkipped   StepOutcome = "SKIPPED"
	StepFailed    StepOutcome = "FAILED"
)

// PhaseResult summarizes one phase run.
type PhaseResult struct {
	Status     PhaseStatus
	Completed  int
	Skipped    int
	FailedStep string
	LastOutput string
	Err        error
}

// BoundaryFunc is called after every step reaches a terminal outcome, with
// the index of the next step to run. The checkpoint manager hangs off this.
type BoundaryFunc func(nextStep int)

// Interpreter sequences the steps of one phase. The same type drives setup,
// every map-phase agent, and reduce; only the variable store view and the
// workspace directory differ between them.
type Interpreter struct {
	exec   *executor.Executor
	logger Logger
}

func NewInterpreter(exec *executor.Executor, logger Logger) *Interpreter {
	return &Interpreter{exec: exec, logger: logger}
}

// RunPhase executes steps[start:] in order inside workdir. Conditions are
// evaluated against the store; failures consult the step's failure handler.
// The returned result carries FailedPhase and Err when a failure escalated
// with fail_workflow, AbortedPhase when the context was cancelled.
func (in *Interpreter) RunPhase(ctx context.Context, phase string, steps []models.Step, start int, workdir string, store *vars.Store, boundary BoundaryFunc) PhaseResult {
	res := PhaseResult{Status: RunningPhase}

	for i := start; i < len(steps); i++ {
		if ctx.Err() != nil {
			res.Status = AbortedPhase
			res.Err = ctx.Err()
			return res
		}
		step := steps[i]
		name := stepName(phase, i, step)

		if step.Condition != "" {
			ok, err := store.EvalCondition(step.Condition)
			if err != nil {
				res.Status = FailedPhase
				res.FailedStep = name
				res.Err = errors.Wrapf(err, "condition of %s", name)
				return res
			}
			if !ok {
				in.logger.Infof("Skipping %s: condition %q is false", name, step.Condition)
				res.Skipped++
				if boundary != nil {
					boundary(i + 1)
				}
				continue
			}
		}

		outcome, result, err := in.runStep(ctx, name, step, workdir, store)
		switch outcome {
		case StepCompleted:
			res.Completed++
			res.LastOutput = result.Stdout
		case StepFailed:
			if escalate(step) {
				res.Status = FailedPhase
				res.FailedStep = name
				res.Err = err
				return res
			}
			in.logger.Errorf("Step %s failed, continuing: %v", name, err)
		}
		if boundary != nil {
			boundary(i + 1)
		}
	}

	res.Status = CompletedPhase
	return res
}

// runStep executes one step with its retry loop and recovery steps.
func (in *Interpreter) runStep(ctx context.Context, name string, step models.Step, workdir string, store *vars.Store) (StepOutcome, executor.ExecutionResult, error) {
	maxAttempts := 1
	if step.OnFailure != nil && step.OnFailure.MaxAttempts > 0 {
		maxAttempts = step.OnFailure.MaxAttempts
	}

	var lastErr error
	var lastResult executor.ExecutionResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return StepFailed, lastResult, ctx.Err()
		}
		result, err := in.exec.Execute(ctx, step, workdir, store)
		lastResult = result
		if err != nil {
			// Interpolation and capture errors are hard step errors;
			// retrying cannot fix a typo or malformed output.
			if isUnretryable(err) {
				return StepFailed, result, err
			}
			lastErr = err
		} else if result.Success {
			return StepCompleted, result, nil
		} else if result.TimedOut {
			lastErr = &models.ExecutionTimeout{Step: name, Timeout: timeoutOf(step).String()}
		} else {
			lastErr = errors.Errorf("step %s exited with code %d: %s", name, result.ExitCode, firstLine(result.Stderr))
		}

		in.logger.Infof("Step %s attempt %d/%d failed: %v", name, attempt, maxAttempts, lastErr)
		if step.OnFailure != nil && len(step.OnFailure.Steps) > 0 {
			in.runRecovery(ctx, name, step.OnFailure.Steps, workdir, store)
		}
	}
	return StepFailed, lastResult, lastErr
}

// runRecovery runs the nested failure-handler steps. Recovery failures are
// logged and do not themselves escalate; the retry loop of the owning step
// decides what happens next.
func (in *Interpreter) runRecovery(ctx context.Context, owner string, steps []models.Step, workdir string, store *vars.Store) {
	for i, step := range steps {
		if ctx.Err() != nil {
			return
		}
		result, err := in.exec.Execute(ctx, step, workdir, store)
		if err != nil {
			in.logger.Errorf("Recovery step %d of %s failed: %v", i, owner, err)
			continue
		}
		if !result.Success {
			in.logger.Errorf("Recovery step %d of %s exited with code %d", i, owner, result.ExitCode)
		}
	}
}

func escalate(step models.Step) bool {
	// A step with no failure handler aborts its phase, matching the
	// sequential-phase default; continuing is opt-in via fail_workflow: false.
	if step.OnFailure == nil {
		return true
	}
	return step.OnFailure.FailWorkflow
}

func isUnretryable(err error) bool {
	var capErr *models.CaptureFormatError
	var interpErr *models.InterpolationError
	return errors.As(err, &capErr) || errors.As(err, &interpErr)
}

func stepName(phase string, i int, step models.Step) string {
	if step.Name != "" {
		return fmt.Sprintf("%s/%s", phase, step.Name)
	}
	return fmt.Sprintf("%s/step-%d", phase, i)
}

func timeoutOf(step models.Step) time.Duration {
	if step.Timeout != nil {
		return *step.Timeout
	}
	return executor.DefaultStepTimeout
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
