package models

import "time"

// CommandKind identifies how a step's command body is executed.
// It is resolved once when the workflow file is parsed, never at run time.
type CommandKind string

const (
	ShellCommand     CommandKind = "shell"
	AssistantCommand CommandKind = "assistant"
	HandlerCommand   CommandKind = "handler"
)

// CommandSpec is the opaque command body of a step. Exactly one of the
// payload fields matching Kind is set.
type CommandSpec struct {
	Kind    CommandKind `json:"kind" yaml:"kind"`
	Shell   string      `json:"shell,omitempty" yaml:"shell,omitempty"`
	Prompt  string      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Handler string      `json:"handler,omitempty" yaml:"handler,omitempty"`
	// Args is passed to handler commands only.
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// CaptureFormat declares how a captured primary value is parsed.
type CaptureFormat string

const (
	CaptureRaw     CaptureFormat = "raw"
	CaptureJSON    CaptureFormat = "json"
	CaptureLines   CaptureFormat = "lines"
	CaptureNumber  CaptureFormat = "number"
	CaptureBoolean CaptureFormat = "boolean"
)

// MultilineMode controls how multi-line command output is folded into the
// captured primary value.
type MultilineMode string

const (
	MultilinePreserve  MultilineMode = "preserve"
	MultilineJoin      MultilineMode = "join"
	MultilineFirstLine MultilineMode = "first_line"
	MultilineLastLine  MultilineMode = "last_line"
)

// CaptureStreams selects which execution streams populate the captured
// variable. Stderr defaults to off.
type CaptureStreams struct {
	Stdout   bool `json:"stdout" yaml:"stdout"`
	Stderr   bool `json:"stderr" yaml:"stderr"`
	ExitCode bool `json:"exit_code" yaml:"exit_code"`
	Success  bool `json:"success" yaml:"success"`
	Duration bool `json:"duration" yaml:"duration"`
}

// DefaultCaptureStreams captures stdout plus the fixed metadata fields.
func DefaultCaptureStreams() CaptureStreams {
	return CaptureStreams{Stdout: true, ExitCode: true, Success: true, Duration: true}
}

// CaptureSpec declares that a step's result is stored in the variable store.
type CaptureSpec struct {
	Name      string         `json:"name" yaml:"name"`
	Format    CaptureFormat  `json:"format,omitempty" yaml:"format,omitempty"`
	Streams   CaptureStreams `json:"streams,omitempty" yaml:"streams,omitempty"`
	Multiline MultilineMode  `json:"multiline,omitempty" yaml:"multiline,omitempty"`
	// MaxSize truncates the primary value; 0 means the 1MB default.
	MaxSize int `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// FailureHandler describes what the interpreter does when a step fails:
// run the recovery steps (if any), retry the step up to MaxAttempts total
// attempts, then either fail the owning phase or log and continue.
type FailureHandler struct {
	Steps        []Step `json:"steps,omitempty" yaml:"steps,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	FailWorkflow bool   `json:"fail_workflow,omitempty" yaml:"fail_workflow,omitempty"`
}

// Step is one unit of work inside a phase. Steps are read-only definitions;
// the interpreter never mutates them.
type Step struct {
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Command   CommandSpec     `json:"command" yaml:"command"`
	Capture   *CaptureSpec    `json:"capture,omitempty" yaml:"capture,omitempty"`
	Condition string          `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnFailure *FailureHandler `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Timeout   *time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CircuitBreaker configures when repeated item failures abort the map phase.
// Zero values disable the corresponding threshold.
type CircuitBreaker struct {
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	FailureRateThreshold   float64 `json:"failure_rate_threshold,omitempty" yaml:"failure_rate_threshold,omitempty"`
}

// MapPhase declares the fan-out phase: an input collection materialized from
// a prior capture, an agent step template, and a concurrency bound.
type MapPhase struct {
	Input       string         `json:"input" yaml:"input"`
	Agent       []Step         `json:"agent" yaml:"agent"`
	MaxParallel int            `json:"max_parallel" yaml:"max_parallel"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Breaker     CircuitBreaker `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Workflow is the full, immutable declaration of a job: a sequential setup
// phase, a fan-out map phase, and a sequential reduce phase.
type Workflow struct {
	Name   string   `json:"name" yaml:"name"`
	Setup  []Step   `json:"setup,omitempty" yaml:"setup,omitempty"`
	Map    MapPhase `json:"map" yaml:"map"`
	Reduce []Step   `json:"reduce,omitempty" yaml:"reduce,omitempty"`
}
