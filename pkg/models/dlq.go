package models

import (
	"encoding/json"
	"time"
)

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureCommandFailed FailureKind = "command_failed"
	FailureMergeConflict FailureKind = "merge_conflict"
	FailureWorkspace     FailureKind = "workspace"
	FailureUnknown       FailureKind = "unknown"
)

// FailureDetail records a single failed attempt of a work item.
type FailureDetail struct {
	Attempt   int         `json:"attempt"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	ExitCode  int         `json:"exit_code,omitempty"`
	AgentID   string      `json:"agent_id"`
	Step      string      `json:"step,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// DLQEntry is one terminally failed work item, retained with enough context
// for an operator to diagnose and replay it without re-running the job.
type DLQEntry struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	ItemID       string          `json:"item_id"`
	Payload      json.RawMessage `json:"payload"`
	Reason       string          `json:"reason"`
	Attempts     int             `json:"attempts"`
	History      []FailureDetail `json:"history,omitempty"`
	LogLocation  string          `json:"log_location,omitempty"`
	FirstAttempt time.Time       `json:"first_attempt"`
	LastAttempt  time.Time       `json:"last_attempt"`
	Reprocessed  bool            `json:"reprocessed"`
}
