package checkpoint

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
	"github.com/mapflow/mapflow/pkg/vars"
)

// Logger defines the logging interface for the Manager
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// JobState is the live state a snapshot is taken from.
type JobState struct {
	JobID        string
	WorkflowName string
	Phase        models.JobPhase
	SetupStep    int
	ReduceStep   int
	Completed    []string
	DeadLettered []string
	Results      []models.ItemResult
	Cursor       int
	TotalItems   int
	Vars         *vars.Store
}

// Manager persists job progress snapshots. Snapshots are taken after every
// work item reaches a terminal status and on every setup/reduce step
// boundary; each one supersedes the previous snapshot for the job.
type Manager struct {
	store  storage.Store
	logger Logger

	mu      sync.Mutex
	version int
}

func NewManager(store storage.Store, logger Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Snapshot builds a checkpoint from the current job state.
func (m *Manager) Snapshot(state JobState) (models.Checkpoint, error) {
	varsData, err := state.Vars.SnapshotWorkflow()
	if err != nil {
		return models.Checkpoint{}, errors.Wrap(err, "failed to snapshot variables")
	}
	m.mu.Lock()
	m.version++
	version := m.version
	m.mu.Unlock()

	return models.Checkpoint{
		JobID:        state.JobID,
		WorkflowName: state.WorkflowName,
		Phase:        state.Phase,
		SetupStep:    state.SetupStep,
		ReduceStep:   state.ReduceStep,
		Completed:    append([]string(nil), state.Completed...),
		DeadLettered: append([]string(nil), state.DeadLettered...),
		Results:      append([]models.ItemResult(nil), state.Results...),
		Variables:    varsData,
		Cursor:       state.Cursor,
		TotalItems:   state.TotalItems,
		Version:      version,
		SavedAt:      time.Now(),
	}, nil
}

// Persist writes a checkpoint through to storage.
func (m *Manager) Persist(c models.Checkpoint) error {
	if err := m.store.SaveCheckpoint(c); err != nil {
		return errors.Wrapf(err, "failed to persist checkpoint v%d for job %s", c.Version, c.JobID)
	}
	return nil
}

// Save is Snapshot followed by Persist. Errors are returned, not fatal;
// the caller decides whether a missed checkpoint aborts anything.
func (m *Manager) Save(state JobState) error {
	c, err := m.Snapshot(state)
	if err != nil {
		return err
	}
	return m.Persist(c)
}

// Amend persists an out-of-band edit to a loaded checkpoint under a fresh
// version, superseding the snapshot it was loaded from.
func (m *Manager) Amend(c models.Checkpoint) error {
	m.mu.Lock()
	m.version++
	c.Version = m.version
	m.mu.Unlock()
	c.SavedAt = time.Now()
	return m.Persist(c)
}

// Load returns the latest checkpoint for a job, or nil when none exists.
func (m *Manager) Load(jobID string) (*models.Checkpoint, error) {
	c, err := m.store.GetCheckpoint(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m.mu.Lock()
	if c.Version > m.version {
		m.version = c.Version
	}
	m.mu.Unlock()
	return &c, nil
}
