package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
)

// FileStore persists job state as JSON files under a per-job directory:
//
//	<root>/<job-id>/job.json
//	<root>/<job-id>/checkpoint.json
//	<root>/<job-id>/dlq.json
//
// Checkpoints are written atomically (temp file + rename) so a crash never
// leaves a half-written snapshot. It is the default store.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// writeJSON writes atomically: temp file in the same directory, then rename.
func (s *FileStore) writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileStore) SaveJob(j models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.jobDir(j.ID), "job.json"), j)
}

func (s *FileStore) GetJob(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var j models.Job
	if err := s.readJSON(filepath.Join(s.jobDir(id), "job.json"), &j); err != nil {
		return models.Job{}, errors.Wrapf(err, "job %s", id)
	}
	return j, nil
}

func (s *FileStore) ListJobs() ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var jobs []models.Job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var j models.Job
		if err := s.readJSON(filepath.Join(s.root, e.Name(), "job.json"), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *FileStore) UpdateJobStatus(id string, status models.JobStatus, phase models.JobPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.jobDir(id), "job.json")
	var j models.Job
	if err := s.readJSON(path, &j); err != nil {
		return errors.Wrapf(err, "job %s", id)
	}
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
	return s.writeJSON(path, j)
}

func (s *FileStore) SaveCheckpoint(c models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.jobDir(c.JobID), "checkpoint.json"), c)
}

func (s *FileStore) GetCheckpoint(jobID string) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c models.Checkpoint
	if err := s.readJSON(filepath.Join(s.jobDir(jobID), "checkpoint.json"), &c); err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "checkpoint for job %s", jobID)
	}
	return c, nil
}

func (s *FileStore) DeleteCheckpoint(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.jobDir(jobID), "checkpoint.json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) readDLQ(jobID string) ([]models.DLQEntry, error) {
	var entries []models.DLQEntry
	err := s.readJSON(filepath.Join(s.jobDir(jobID), "dlq.json"), &entries)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) AppendDLQ(e models.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readDLQ(e.JobID)
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing.ID == e.ID {
			return errors.Errorf("dlq entry %s already exists", e.ID)
		}
	}
	entries = append(entries, e)
	return s.writeJSON(filepath.Join(s.jobDir(e.JobID), "dlq.json"), entries)
}

func (s *FileStore) ListDLQ(jobID string) ([]models.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDLQ(jobID)
}

// findDLQEntry scans all jobs for an entry id. Caller holds s.mu.
func (s *FileStore) findDLQEntry(id string) (string, []models.DLQEntry, int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", nil, 0, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobEntries, err := s.readDLQ(e.Name())
		if err != nil {
			continue
		}
		for i, entry := range jobEntries {
			if entry.ID == id {
				return e.Name(), jobEntries, i, nil
			}
		}
	}
	return "", nil, 0, errors.Wrapf(storage.ErrNotFound, "dlq entry %s", id)
}

func (s *FileStore) GetDLQEntry(id string) (models.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, entries, i, err := s.findDLQEntry(id)
	if err != nil {
		return models.DLQEntry{}, err
	}
	return entries[i], nil
}

func (s *FileStore) MarkDLQReprocessed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, entries, i, err := s.findDLQEntry(id)
	if err != nil {
		return err
	}
	entries[i].Reprocessed = true
	return s.writeJSON(filepath.Join(s.jobDir(jobID), "dlq.json"), entries)
}

func (s *FileStore) PurgeDLQ(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, entries, i, err := s.findDLQEntry(id)
	if err != nil {
		return err
	}
	entries = append(entries[:i], entries[i+1:]...)
	return s.writeJSON(filepath.Join(s.jobDir(jobID), "dlq.json"), entries)
}

func (s *FileStore) Close() error {
	return nil
}
