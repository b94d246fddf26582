package dlq

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
)

// Logger defines the logging interface for the Queue
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Queue is the dead letter queue for one store. It is append-only while a
// job runs; Requeue and Purge are operator actions outside the hot path.
type Queue struct {
	store  storage.Store
	logger Logger
}

func NewQueue(store storage.Store, logger Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// EntryID derives the deterministic DLQ entry id for a work item, so retries
// of the same item can never produce duplicate entries.
func EntryID(jobID, itemID string) string {
	return fmt.Sprintf("%s:%s", jobID, itemID)
}

// Enqueue records a terminally failed work item. Enqueueing the same item
// twice is a no-op.
func (q *Queue) Enqueue(e models.DLQEntry) error {
	if e.ID == "" {
		e.ID = EntryID(e.JobID, e.ItemID)
	}
	if existing, err := q.store.GetDLQEntry(e.ID); err == nil {
		if !existing.Reprocessed {
			q.logger.Infof("DLQ entry %s already recorded", e.ID)
			return nil
		}
		// a requeued item failed again; replace the stale entry
		if err := q.store.PurgeDLQ(e.ID); err != nil {
			return errors.Wrapf(err, "failed to replace dlq entry %s", e.ID)
		}
	}
	if err := q.store.AppendDLQ(e); err != nil {
		return errors.Wrapf(err, "failed to enqueue dlq entry %s", e.ID)
	}
	q.logger.Infof("Dead-lettered item %s of job %s after %d attempts: %s", e.ItemID, e.JobID, e.Attempts, e.Reason)
	return nil
}

// List returns all entries for a job in enqueue order.
func (q *Queue) List(jobID string) ([]models.DLQEntry, error) {
	return q.store.ListDLQ(jobID)
}

// Requeue marks an entry reprocessed and returns a fresh work item carrying
// the original payload, ready to be re-injected into a ready queue.
func (q *Queue) Requeue(entryID string) (models.WorkItem, error) {
	e, err := q.store.GetDLQEntry(entryID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if e.Reprocessed {
		return models.WorkItem{}, errors.Errorf("dlq entry %s already reprocessed", entryID)
	}
	if err := q.store.MarkDLQReprocessed(entryID); err != nil {
		return models.WorkItem{}, err
	}
	return models.WorkItem{ID: e.ItemID, Payload: e.Payload}, nil
}

// Purge removes an entry permanently.
func (q *Queue) Purge(entryID string) error {
	return q.store.PurgeDLQ(entryID)
}

// Analysis summarizes the failure distribution of a job's DLQ.
type Analysis struct {
	Total        int
	ByKind       map[models.FailureKind]int
	OldestFailure time.Time
	NewestFailure time.Time
}

// Analyze groups a job's entries by the kind of their final failure.
func (q *Queue) Analyze(jobID string) (Analysis, error) {
	entries, err := q.store.ListDLQ(jobID)
	if err != nil {
		return Analysis{}, err
	}
	a := Analysis{Total: len(entries), ByKind: make(map[models.FailureKind]int)}
	for _, e := range entries {
		kind := models.FailureUnknown
		if n := len(e.History); n > 0 {
			kind = e.History[n-1].Kind
		}
		a.ByKind[kind]++
		if a.OldestFailure.IsZero() || e.FirstAttempt.Before(a.OldestFailure) {
			a.OldestFailure = e.FirstAttempt
		}
		if e.LastAttempt.After(a.NewestFailure) {
			a.NewestFailure = e.LastAttempt
		}
	}
	return a, nil
}
