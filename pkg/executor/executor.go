package executor

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/vars"
)

const (
	// default step timeout is 5m
	DefaultStepTimeout = 5 * time.Minute
)

// Logger defines the logging interface for the Executor
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ExecutionResult is everything a step run produces.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Success  bool
	TimedOut bool
}

// AssistantRunner executes assistant-style command bodies. It is an external
// collaborator; the engine only sees the result.
type AssistantRunner interface {
	Run(ctx context.Context, prompt, workdir string) (ExecutionResult, error)
}

// HandlerFunc is a registered in-process command handler.
type HandlerFunc func(ctx context.Context, args map[string]string, workdir string) (ExecutionResult, error)

// Executor runs one step's command body inside a workspace directory and,
// when the step declares a capture, writes the result into the variable store.
type Executor struct {
	assistant      AssistantRunner
	handlers       map[string]HandlerFunc
	defaultTimeout time.Duration
	shell          string
	logger         Logger
}

type Option func(*Executor)

func WithAssistant(a AssistantRunner) Option {
	return func(e *Executor) { e.assistant = a }
}

func WithHandler(name string, fn HandlerFunc) Option {
	return func(e *Executor) { e.handlers[name] = fn }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

func NewExecutor(logger Logger, opts ...Option) *Executor {
	e := &Executor{
		handlers:       make(map[string]HandlerFunc),
		defaultTimeout: DefaultStepTimeout,
		shell:          "sh",
		logger:         logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a step inside workdir against the given variable store.
// A timeout produces a synthetic failure result, never a hang. Command
// failure is reported in the result, not as an error; errors are reserved
// for interpolation and capture problems, which are fatal to the step.
func (e *Executor) Execute(ctx context.Context, step models.Step, workdir string, store *vars.Store) (ExecutionResult, error) {
	timeout := e.defaultTimeout
	if step.Timeout != nil {
		timeout = *step.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result ExecutionResult
	var err error

	switch step.Command.Kind {
	case models.ShellCommand:
		result, err = e.runShell(runCtx, step.Command.Shell, workdir, store)
	case models.AssistantCommand:
		result, err = e.runAssistant(runCtx, step.Command.Prompt, workdir, store)
	case models.HandlerCommand:
		result, err = e.runHandler(runCtx, step.Command, workdir, store)
	default:
		return ExecutionResult{}, errors.Errorf("unknown command kind %q", step.Command.Kind)
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	result.Duration = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Success = false
		e.logger.Warnf("Step %q timed out after %s", step.Name, timeout)
	}

	if step.Capture != nil {
		captured, capErr := vars.Captured(*step.Capture, result.Stdout, result.Stderr,
			result.ExitCode, result.Success, result.Duration, e.logger.Warnf)
		if capErr != nil {
			return result, capErr
		}
		if setErr := store.Set(store.DefaultWriteScope(), step.Capture.Name, captured); setErr != nil {
			return result, setErr
		}
	}

	// Rolling last.* variables, available to later steps in the same scope.
	_ = store.SetPlain(store.DefaultWriteScope(), vars.LastOutput, result.Stdout)
	_ = store.SetPlain(store.DefaultWriteScope(), vars.LastExitCode, float64(result.ExitCode))

	return result, nil
}

func (e *Executor) runShell(ctx context.Context, command, workdir string, store *vars.Store) (ExecutionResult, error) {
	resolved, err := store.Interpolate(command)
	if err != nil {
		return ExecutionResult{}, err
	}

	cmd := exec.CommandContext(ctx, e.shell, "-c", resolved)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// The shell runs in its own process group so cancellation kills the
	// whole tree; otherwise a child holding the output pipes keeps Run
	// blocked past the deadline. WaitDelay bounds the wait for stragglers
	// that escaped the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	result := ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch rErr := runErr.(type) {
	case nil:
		result.Success = true
	case *exec.ExitError:
		result.ExitCode = rErr.ExitCode()
	default:
		if ctx.Err() != nil {
			// killed by timeout or cancellation; synthetic failure
			result.ExitCode = -1
		} else {
			return ExecutionResult{}, errors.Wrapf(runErr, "failed to start command %q", resolved)
		}
	}
	return result, nil
}

func (e *Executor) runAssistant(ctx context.Context, prompt, workdir string, store *vars.Store) (ExecutionResult, error) {
	if e.assistant == nil {
		return ExecutionResult{}, errors.New("no assistant runner configured")
	}
	resolved, err := store.Interpolate(prompt)
	if err != nil {
		return ExecutionResult{}, err
	}
	return e.assistant.Run(ctx, resolved, workdir)
}

func (e *Executor) runHandler(ctx context.Context, spec models.CommandSpec, workdir string, store *vars.Store) (ExecutionResult, error) {
	fn, ok := e.handlers[spec.Handler]
	if !ok {
		return ExecutionResult{}, errors.Errorf("handler %q not registered", spec.Handler)
	}
	args := make(map[string]string, len(spec.Args))
	for k, v := range spec.Args {
		resolved, err := store.Interpolate(v)
		if err != nil {
			return ExecutionResult{}, err
		}
		args[k] = resolved
	}
	return fn(ctx, args, workdir)
}
