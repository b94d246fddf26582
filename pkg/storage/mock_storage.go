package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
)

// mockStore implements Store with in-memory storage. The DLQ and checkpoint
// maps are mutated concurrently by scheduler workers, so every method locks.
type mockStore struct {
	mu          sync.RWMutex
	jobs        map[string]models.Job
	checkpoints map[string]models.Checkpoint
	dlq         map[string]models.DLQEntry
	dlqOrder    []string
}

// NewMockStore returns an in-memory Store for tests and examples.
func NewMockStore() Store {
	return &mockStore{
		jobs:        make(map[string]models.Job),
		checkpoints: make(map[string]models.Checkpoint),
		dlq:         make(map[string]models.DLQEntry),
	}
}

func (m *mockStore) SaveJob(j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *mockStore) GetJob(id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, nil
}

func (m *mockStore) ListJobs() ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (m *mockStore) UpdateJobStatus(id string, status models.JobStatus, phase models.JobPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
	m.jobs[id] = j
	return nil
}

func (m *mockStore) SaveCheckpoint(c models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[c.JobID] = c
	return nil
}

func (m *mockStore) GetCheckpoint(jobID string) (models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkpoints[jobID]
	if !ok {
		return models.Checkpoint{}, errors.Wrapf(ErrNotFound, "checkpoint for job %s", jobID)
	}
	return c, nil
}

func (m *mockStore) DeleteCheckpoint(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, jobID)
	return nil
}

func (m *mockStore) AppendDLQ(e models.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dlq[e.ID]; exists {
		return errors.Errorf("dlq entry %s already exists", e.ID)
	}
	m.dlq[e.ID] = e
	m.dlqOrder = append(m.dlqOrder, e.ID)
	return nil
}

func (m *mockStore) ListDLQ(jobID string) ([]models.DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []models.DLQEntry
	for _, id := range m.dlqOrder {
		e, ok := m.dlq[id]
		if ok && e.JobID == jobID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *mockStore) GetDLQEntry(id string) (models.DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.dlq[id]
	if !ok {
		return models.DLQEntry{}, errors.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return e, nil
}

func (m *mockStore) MarkDLQReprocessed(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	e.Reprocessed = true
	m.dlq[id] = e
	return nil
}

func (m *mockStore) PurgeDLQ(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dlq[id]; !ok {
		return errors.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	delete(m.dlq, id)
	for i, oid := range m.dlqOrder {
		if oid == id {
			m.dlqOrder = append(m.dlqOrder[:i], m.dlqOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockStore) Close() error {
	return nil
}
