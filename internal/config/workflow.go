package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mapflow/mapflow/pkg/models"
)

// workflowFile is the YAML shape of a workflow declaration. Step commands
// use one of the shorthand keys (shell, assistant, handler); the tagged
// CommandSpec is resolved here, once, at parse time.
type workflowFile struct {
	Name   string         `yaml:"name"`
	Mode   string         `yaml:"mode"`
	Setup  []stepFile     `yaml:"setup"`
	Map    mapFile        `yaml:"map"`
	Reduce []stepFile     `yaml:"reduce"`
	// Convenience fields mapping onto the circuit breaker.
	MaxFailures      int     `yaml:"max_failures"`
	FailureThreshold float64 `yaml:"failure_threshold"`
}

type mapFile struct {
	Input       string     `yaml:"input"`
	Agent       []stepFile `yaml:"agent"`
	MaxParallel int        `yaml:"max_parallel"`
	MaxAttempts int        `yaml:"max_attempts"`
	// OnItemFailure accepts only "dlq"; exhausted items always dead-letter.
	OnItemFailure string `yaml:"on_item_failure"`
}

type stepFile struct {
	Name      string            `yaml:"name"`
	Shell     string            `yaml:"shell"`
	Assistant string            `yaml:"assistant"`
	Handler   string            `yaml:"handler"`
	Args      map[string]string `yaml:"args"`
	Capture   *captureFile      `yaml:"capture"`
	Condition string            `yaml:"condition"`
	OnFailure *failureFile      `yaml:"on_failure"`
	Timeout   string            `yaml:"timeout"`
}

type captureFile struct {
	Name      string   `yaml:"name"`
	Format    string   `yaml:"format"`
	Streams   []string `yaml:"streams"`
	Multiline string   `yaml:"multiline"`
	MaxSize   int      `yaml:"max_size"`
}

type failureFile struct {
	Steps        []stepFile `yaml:"steps"`
	MaxAttempts  int        `yaml:"max_attempts"`
	FailWorkflow *bool      `yaml:"fail_workflow"`
}

// LoadWorkflow parses and validates a workflow YAML file.
func LoadWorkflow(path string) (models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to read workflow file %s", path)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow parses a workflow declaration from YAML bytes.
func ParseWorkflow(data []byte) (models.Workflow, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "invalid workflow yaml")
	}
	if wf.Mode != "" && wf.Mode != "mapreduce" {
		return models.Workflow{}, errors.Errorf("unsupported workflow mode %q", wf.Mode)
	}
	if wf.Name == "" {
		return models.Workflow{}, errors.New("workflow name is required")
	}
	if wf.Map.Input == "" {
		return models.Workflow{}, errors.New("map.input is required")
	}
	if len(wf.Map.Agent) == 0 {
		return models.Workflow{}, errors.New("map.agent must declare at least one step")
	}
	if wf.Map.MaxParallel <= 0 {
		return models.Workflow{}, errors.New("map.max_parallel must be positive")
	}
	if wf.Map.OnItemFailure != "" && wf.Map.OnItemFailure != "dlq" {
		return models.Workflow{}, errors.Errorf("unsupported map.on_item_failure %q", wf.Map.OnItemFailure)
	}

	out := models.Workflow{
		Name: wf.Name,
		Map: models.MapPhase{
			Input:       wf.Map.Input,
			MaxParallel: wf.Map.MaxParallel,
			MaxAttempts: wf.Map.MaxAttempts,
			Breaker: models.CircuitBreaker{
				MaxConsecutiveFailures: wf.MaxFailures,
				FailureRateThreshold:   wf.FailureThreshold,
			},
		},
	}

	var convErr error
	out.Setup, convErr = convertSteps(wf.Setup, "setup")
	if convErr != nil {
		return models.Workflow{}, convErr
	}
	out.Map.Agent, convErr = convertSteps(wf.Map.Agent, "map.agent")
	if convErr != nil {
		return models.Workflow{}, convErr
	}
	out.Reduce, convErr = convertSteps(wf.Reduce, "reduce")
	if convErr != nil {
		return models.Workflow{}, convErr
	}
	return out, nil
}

func convertSteps(steps []stepFile, scope string) ([]models.Step, error) {
	out := make([]models.Step, 0, len(steps))
	captures := make(map[string]struct{})
	for i, sf := range steps {
		step, err := convertStep(sf, scope, i)
		if err != nil {
			return nil, err
		}
		if step.Capture != nil {
			if _, dup := captures[step.Capture.Name]; dup {
				return nil, errors.Errorf("%s: duplicate capture name %q", scope, step.Capture.Name)
			}
			captures[step.Capture.Name] = struct{}{}
		}
		out = append(out, step)
	}
	return out, nil
}

func convertStep(sf stepFile, scope string, i int) (models.Step, error) {
	step := models.Step{
		Name:      sf.Name,
		Condition: sf.Condition,
	}

	declared := 0
	if sf.Shell != "" {
		step.Command = models.CommandSpec{Kind: models.ShellCommand, Shell: sf.Shell}
		declared++
	}
	if sf.Assistant != "" {
		step.Command = models.CommandSpec{Kind: models.AssistantCommand, Prompt: sf.Assistant}
		declared++
	}
	if sf.Handler != "" {
		step.Command = models.CommandSpec{Kind: models.HandlerCommand, Handler: sf.Handler, Args: sf.Args}
		declared++
	}
	if declared != 1 {
		return models.Step{}, errors.Errorf("%s step %d: exactly one of shell, assistant or handler is required", scope, i)
	}

	if sf.Timeout != "" {
		d, err := time.ParseDuration(sf.Timeout)
		if err != nil {
			return models.Step{}, errors.Wrapf(err, "%s step %d: invalid timeout", scope, i)
		}
		step.Timeout = &d
	}

	if sf.Capture != nil {
		spec, err := convertCapture(*sf.Capture, scope, i)
		if err != nil {
			return models.Step{}, err
		}
		step.Capture = &spec
	}

	if sf.OnFailure != nil {
		nested, err := convertSteps(sf.OnFailure.Steps, scope+".on_failure")
		if err != nil {
			return models.Step{}, err
		}
		failWorkflow := true
		if sf.OnFailure.FailWorkflow != nil {
			failWorkflow = *sf.OnFailure.FailWorkflow
		}
		step.OnFailure = &models.FailureHandler{
			Steps:        nested,
			MaxAttempts:  sf.OnFailure.MaxAttempts,
			FailWorkflow: failWorkflow,
		}
	}
	return step, nil
}

func convertCapture(cf captureFile, scope string, i int) (models.CaptureSpec, error) {
	if cf.Name == "" {
		return models.CaptureSpec{}, errors.Errorf("%s step %d: capture name is required", scope, i)
	}
	spec := models.CaptureSpec{
		Name:    cf.Name,
		MaxSize: cf.MaxSize,
	}

	switch cf.Format {
	case "", "raw":
		spec.Format = models.CaptureRaw
	case "json":
		spec.Format = models.CaptureJSON
	case "lines":
		spec.Format = models.CaptureLines
	case "number":
		spec.Format = models.CaptureNumber
	case "boolean":
		spec.Format = models.CaptureBoolean
	default:
		return models.CaptureSpec{}, errors.Errorf("%s step %d: unknown capture format %q", scope, i, cf.Format)
	}

	switch cf.Multiline {
	case "", "preserve":
		spec.Multiline = models.MultilinePreserve
	case "join":
		spec.Multiline = models.MultilineJoin
	case "first_line":
		spec.Multiline = models.MultilineFirstLine
	case "last_line":
		spec.Multiline = models.MultilineLastLine
	default:
		return models.CaptureSpec{}, errors.Errorf("%s step %d: unknown multiline mode %q", scope, i, cf.Multiline)
	}

	if len(cf.Streams) == 0 {
		spec.Streams = models.DefaultCaptureStreams()
	} else {
		for _, name := range cf.Streams {
			switch name {
			case "stdout":
				spec.Streams.Stdout = true
			case "stderr":
				spec.Streams.Stderr = true
			case "exit_code":
				spec.Streams.ExitCode = true
			case "success":
				spec.Streams.Success = true
			case "duration":
				spec.Streams.Duration = true
			default:
				return models.CaptureSpec{}, errors.Errorf("%s step %d: unknown capture stream %q", scope, i, name)
			}
		}
	}
	return spec, nil
}
