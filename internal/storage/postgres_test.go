package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/mapflow/mapflow/internal/storage"
	"github.com/mapflow/mapflow/internal/testutil"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	cleanup := func(t *testing.T) {
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE jobs, checkpoints, dlq_entries CASCADE")
			assert.NoError(t, err)
		})
	}

	now := time.Now().UTC().Truncate(time.Second)
	newJob := func(id string) models.Job {
		return models.Job{
			ID:           id,
			WorkflowName: "test-workflow",
			Status:       models.RunningJobStatus,
			Phase:        models.SetupPhase,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	t.Run("save and get job", func(t *testing.T) {
		cleanup(t)
		job := newJob("job-1")
		require.NoError(t, store.SaveJob(job))

		got, err := store.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, job.WorkflowName, got.WorkflowName)
		assert.Equal(t, models.RunningJobStatus, got.Status)
	})

	t.Run("get missing job", func(t *testing.T) {
		cleanup(t)
		_, err := store.GetJob("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("save job is upsert", func(t *testing.T) {
		cleanup(t)
		job := newJob("job-2")
		require.NoError(t, store.SaveJob(job))
		job.Status = models.CompletedJobStatus
		job.Phase = models.DonePhase
		require.NoError(t, store.SaveJob(job))

		got, err := store.GetJob("job-2")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedJobStatus, got.Status)
		assert.Equal(t, models.DonePhase, got.Phase)
	})

	t.Run("update job status", func(t *testing.T) {
		cleanup(t)
		require.NoError(t, store.SaveJob(newJob("job-3")))
		require.NoError(t, store.UpdateJobStatus("job-3", models.InterruptedJobStatus, models.MapPhaseRun))

		got, err := store.GetJob("job-3")
		require.NoError(t, err)
		assert.Equal(t, models.InterruptedJobStatus, got.Status)
		assert.Equal(t, models.MapPhaseRun, got.Phase)

		err = store.UpdateJobStatus("missing", models.FailedJobStatus, models.DonePhase)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("checkpoint roundtrip", func(t *testing.T) {
		cleanup(t)
		require.NoError(t, store.SaveJob(newJob("job-4")))
		ckpt := models.Checkpoint{
			JobID:        "job-4",
			WorkflowName: "test-workflow",
			Phase:        models.MapPhaseRun,
			Completed:    []string{"item-0", "item-1"},
			Variables:    json.RawMessage(`{"items":["a","b"]}`),
			TotalItems:   5,
			Version:      3,
			SavedAt:      now,
		}
		require.NoError(t, store.SaveCheckpoint(ckpt))

		got, err := store.GetCheckpoint("job-4")
		require.NoError(t, err)
		assert.Equal(t, ckpt.Completed, got.Completed)
		assert.Equal(t, 3, got.Version)
		assert.JSONEq(t, string(ckpt.Variables), string(got.Variables))

		ckpt.Version = 4
		ckpt.Completed = append(ckpt.Completed, "item-2")
		require.NoError(t, store.SaveCheckpoint(ckpt))
		got, err = store.GetCheckpoint("job-4")
		require.NoError(t, err)
		assert.Equal(t, 4, got.Version)
		assert.Len(t, got.Completed, 3)

		require.NoError(t, store.DeleteCheckpoint("job-4"))
		_, err = store.GetCheckpoint("job-4")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("dlq lifecycle", func(t *testing.T) {
		cleanup(t)
		entry := models.DLQEntry{
			ID:      "job-5:item-3",
			JobID:   "job-5",
			ItemID:  "item-3",
			Payload: json.RawMessage(`"bad"`),
			Reason:  "command exited with code 1",
			Attempts: 3,
			History: []models.FailureDetail{
				{Attempt: 1, Kind: models.FailureCommandFailed, Message: "exit 1"},
			},
			FirstAttempt: now,
			LastAttempt:  now,
		}
		require.NoError(t, store.AppendDLQ(entry))

		entries, err := store.ListDLQ("job-5")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "item-3", entries[0].ItemID)
		assert.Equal(t, models.FailureCommandFailed, entries[0].History[0].Kind)

		require.NoError(t, store.MarkDLQReprocessed("job-5:item-3"))
		got, err := store.GetDLQEntry("job-5:item-3")
		require.NoError(t, err)
		assert.True(t, got.Reprocessed)

		require.NoError(t, store.PurgeDLQ("job-5:item-3"))
		_, err = store.GetDLQEntry("job-5:item-3")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.PurgeDLQ("job-5:item-3"), storage.ErrNotFound)
	})

	t.Run("list jobs newest first", func(t *testing.T) {
		cleanup(t)
		older := newJob("job-old")
		older.CreatedAt = now.Add(-time.Hour)
		require.NoError(t, store.SaveJob(older))
		require.NoError(t, store.SaveJob(newJob("job-new")))

		jobs, err := store.ListJobs()
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "job-new", jobs[0].ID)
	})
}
