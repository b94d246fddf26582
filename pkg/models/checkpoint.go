package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is a durable snapshot of job progress. Each new snapshot
// supersedes the previous one for the same job.
type Checkpoint struct {
	JobID        string          `json:"job_id"`
	WorkflowName string          `json:"workflow_name"`
	Phase        JobPhase        `json:"phase"`
	SetupStep    int             `json:"setup_step"`
	ReduceStep   int             `json:"reduce_step"`
	Completed    []string        `json:"completed,omitempty"`
	DeadLettered []string        `json:"dead_lettered,omitempty"`
	Results      []ItemResult    `json:"results,omitempty"`
	Variables    json.RawMessage `json:"variables,omitempty"`
	Cursor       int             `json:"cursor"`
	TotalItems   int             `json:"total_items"`
	Version      int             `json:"version"`
	SavedAt      time.Time       `json:"saved_at"`
}

// IsTerminalItem reports whether the item needs no further processing on resume.
func (c *Checkpoint) IsTerminalItem(itemID string) bool {
	for _, id := range c.Completed {
		if id == itemID {
			return true
		}
	}
	for _, id := range c.DeadLettered {
		if id == itemID {
			return true
		}
	}
	return false
}
