package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	PendingJobStatus   JobStatus = "PENDING"
	RunningJobStatus   JobStatus = "RUNNING"
	CompletedJobStatus JobStatus = "COMPLETED"
	// PartialJobStatus means the job finished with some items dead-lettered.
	PartialJobStatus     JobStatus = "PARTIAL"
	FailedJobStatus      JobStatus = "FAILED"
	InterruptedJobStatus JobStatus = "INTERRUPTED"
)

// JobPhase is the stage a job is currently in.
type JobPhase string

const (
	SetupPhase  JobPhase = "setup"
	MapPhaseRun JobPhase = "map"
	ReducePhase JobPhase = "reduce"
	DonePhase   JobPhase = "done"
)

// Job is one run of a workflow, persisted with a stable identifier.
type Job struct {
	ID           string    `json:"id" db:"id"`
	WorkflowName string    `json:"workflow_name" db:"workflow_name"`
	Status       JobStatus `json:"status" db:"status"`
	Phase        JobPhase  `json:"phase" db:"phase"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// WorkItem is one element of the map phase's input collection. The ID is
// derived from the item's position and is stable across resume.
type WorkItem struct {
	ID      string          `json:"id"`
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

type AgentStatus string

const (
	PendingAgentStatus      AgentStatus = "PENDING"
	RunningAgentStatus      AgentStatus = "RUNNING"
	SucceededAgentStatus    AgentStatus = "SUCCEEDED"
	FailedAgentStatus       AgentStatus = "FAILED"
	DeadLetteredAgentStatus AgentStatus = "DEAD_LETTERED"
)

// AgentExecution is the runtime record for one work item being processed by
// one agent inside an isolated workspace.
type AgentExecution struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	ItemID      string      `json:"item_id"`
	Workspace   string      `json:"workspace,omitempty"`
	Attempt     int         `json:"attempt"`
	Status      AgentStatus `json:"status"`
	ErrorMsg    string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	LogLocation string      `json:"log_location,omitempty"`
}

// ItemResult is the per-item record aggregated into map.results before the
// reduce phase runs. Order of aggregation is not the input order.
type ItemResult struct {
	ItemID   string          `json:"item_id"`
	Item     json.RawMessage `json:"item"`
	Success  bool            `json:"success"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
}
