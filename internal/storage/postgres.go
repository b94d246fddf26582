package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
)

// PostgresStore persists job state in Postgres for shared deployments where
// several operators inspect the same jobs. Checkpoints and DLQ payloads are
// stored as jsonb documents.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveJob(j models.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, workflow_name, status, phase, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = $3, phase = $4, updated_at = $6`,
		j.ID, j.WorkflowName, j.Status, j.Phase, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "save job")
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (models.Job, error) {
	var j models.Job
	err := s.db.Get(&j, "SELECT * FROM jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	return j, nil
}

func (s *PostgresStore) ListJobs() ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.Select(&jobs, "SELECT * FROM jobs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateJobStatus(id string, status models.JobStatus, phase models.JobPhase) error {
	res, err := s.db.Exec("UPDATE jobs SET status = $1, phase = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		status, phase, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveCheckpoint(c models.Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (job_id, version, snapshot, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET version = $2, snapshot = $3, saved_at = $4`,
		c.JobID, c.Version, data, c.SavedAt)
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(jobID string) (models.Checkpoint, error) {
	var data []byte
	err := s.db.Get(&data, "SELECT snapshot FROM checkpoints WHERE job_id = $1", jobID)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Checkpoint{}, err
	}
	var c models.Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return models.Checkpoint{}, errors.Wrap(err, "decode checkpoint")
	}
	return c, nil
}

func (s *PostgresStore) DeleteCheckpoint(jobID string) error {
	_, err := s.db.Exec("DELETE FROM checkpoints WHERE job_id = $1", jobID)
	return err
}

func (s *PostgresStore) AppendDLQ(e models.DLQEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO dlq_entries (id, job_id, item_id, entry, reprocessed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, CURRENT_TIMESTAMP)`,
		e.ID, e.JobID, e.ItemID, data)
	if err != nil {
		return errors.Wrap(err, "append dlq entry")
	}
	return nil
}

func (s *PostgresStore) ListDLQ(jobID string) ([]models.DLQEntry, error) {
	var rows [][]byte
	err := s.db.Select(&rows, "SELECT entry FROM dlq_entries WHERE job_id = $1 ORDER BY created_at", jobID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.DLQEntry, 0, len(rows))
	for _, data := range rows {
		var e models.DLQEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, errors.Wrap(err, "decode dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *PostgresStore) GetDLQEntry(id string) (models.DLQEntry, error) {
	var data []byte
	err := s.db.Get(&data, "SELECT entry FROM dlq_entries WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.DLQEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.DLQEntry{}, err
	}
	var e models.DLQEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return models.DLQEntry{}, errors.Wrap(err, "decode dlq entry")
	}
	return e, nil
}

func (s *PostgresStore) MarkDLQReprocessed(id string) error {
	e, err := s.GetDLQEntry(id)
	if err != nil {
		return err
	}
	e.Reprocessed = true
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE dlq_entries SET entry = $1, reprocessed = TRUE WHERE id = $2", data, id)
	return err
}

func (s *PostgresStore) PurgeDLQ(id string) error {
	res, err := s.db.Exec("DELETE FROM dlq_entries WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "dlq entry %s", id)
	}
	return nil
}
