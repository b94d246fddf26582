package storage

import (
	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
)

// ErrNotFound is returned when a job, checkpoint or DLQ entry does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for mapflow job state.
type Store interface {
	// Job operations
	SaveJob(j models.Job) error
	GetJob(id string) (models.Job, error)
	ListJobs() ([]models.Job, error)
	UpdateJobStatus(id string, status models.JobStatus, phase models.JobPhase) error

	// Checkpoint operations; each save supersedes the previous snapshot
	SaveCheckpoint(c models.Checkpoint) error
	GetCheckpoint(jobID string) (models.Checkpoint, error)
	DeleteCheckpoint(jobID string) error

	// Dead letter queue operations
	AppendDLQ(e models.DLQEntry) error
	ListDLQ(jobID string) ([]models.DLQEntry, error)
	GetDLQEntry(id string) (models.DLQEntry, error)
	MarkDLQReprocessed(id string) error
	PurgeDLQ(id string) error

	Close() error
}
