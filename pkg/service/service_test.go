package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapflow/mapflow/pkg/checkpoint"
	"github.com/mapflow/mapflow/pkg/dlq"
	"github.com/mapflow/mapflow/pkg/executor"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type noGit struct{}

func (noGit) CreateWorktree(ctx context.Context, repo, path, branch string) error {
	return os.MkdirAll(path, 0o755)
}
func (noGit) MergeBranch(ctx context.Context, repo, branch string, mergeArgs []string) error {
	return nil
}
func (noGit) RemoveWorktree(ctx context.Context, repo, path string, force bool) error {
	return os.RemoveAll(path)
}
func (noGit) DeleteBranch(ctx context.Context, repo, branch string) error { return nil }

type fixture struct {
	svc   *JobService
	store storage.Store
	base  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	root := t.TempDir()
	svc := NewJobService(store, executor.NewExecutor(testLogger{}), Config{
		BaseRepo:      root,
		WorkspaceRoot: filepath.Join(root, "workspaces"),
		LockDir:       filepath.Join(root, "locks"),
		Git:           noGit{},
	}, testLogger{})
	return &fixture{svc: svc, store: store, base: root}
}

func shell(name, command string) models.Step {
	return models.Step{
		Name:    name,
		Command: models.CommandSpec{Kind: models.ShellCommand, Shell: command},
	}
}

func setupItems(items string) models.Step {
	step := shell("items", fmt.Sprintf("echo '%s'", items))
	step.Capture = &models.CaptureSpec{Name: "items", Format: models.CaptureJSON}
	return step
}

func TestRunJobHappyPath(t *testing.T) {
	f := newFixture(t)
	summary := filepath.Join(f.base, "summary")

	wf := models.Workflow{
		Name:  "happy",
		Setup: []models.Step{setupItems(`["a","b","c"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 2,
			Agent:       []models.Step{shell("work", "echo processed ${item}")},
		},
		Reduce: []models.Step{
			shell("summarize", fmt.Sprintf("echo '${map.successful}/${map.total}' > %s", summary)),
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, job.Status)
	assert.Equal(t, models.DonePhase, job.Phase)

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	assert.Equal(t, "3/3\n", string(data))

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, stored.Status)
}

func TestRunJobRetryAndDeadLetter(t *testing.T) {
	f := newFixture(t)
	scratch := t.TempDir()
	summary := filepath.Join(scratch, "summary")

	// item "flaky" needs three attempts; item "bad" never succeeds
	agent := fmt.Sprintf(`case "${item}" in
bad) exit 1 ;;
flaky) n=$(cat %[1]s/flaky 2>/dev/null || echo 0); n=$((n+1)); echo $n > %[1]s/flaky; test $n -ge 3 ;;
*) echo done ${item} ;;
esac`, scratch)

	wf := models.Workflow{
		Name:  "retries",
		Setup: []models.Step{setupItems(`["a","b","flaky","bad","e"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 2,
			MaxAttempts: 3,
			Agent:       []models.Step{shell("work", agent)},
		},
		Reduce: []models.Step{
			shell("summarize", fmt.Sprintf("echo '${map.successful} ok, ${map.failed} failed of ${map.total}' > %s", summary)),
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.PartialJobStatus, job.Status, "dead-lettered items must not fail the job")

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	assert.Equal(t, "4 ok, 1 failed of 5\n", string(data))

	// the flaky item really took three attempts
	count, err := os.ReadFile(filepath.Join(scratch, "flaky"))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(count))

	entries, err := f.svc.DLQ().List(job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item-3", entries[0].ItemID)
	assert.Equal(t, 3, entries[0].Attempts)
	require.Len(t, entries[0].History, 3)
}

func TestRunJobSetupFailure(t *testing.T) {
	f := newFixture(t)
	wf := models.Workflow{
		Name:  "broken setup",
		Setup: []models.Step{shell("boom", "exit 1")},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			Agent:       []models.Step{shell("work", "true")},
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, models.FailedJobStatus, job.Status)
}

func TestRunJobBreakerFailsJob(t *testing.T) {
	f := newFixture(t)
	wf := models.Workflow{
		Name:  "all failing",
		Setup: []models.Step{setupItems(`["a","b","c","d","e","f"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			MaxAttempts: 1,
			Breaker:     models.CircuitBreaker{MaxConsecutiveFailures: 3},
			Agent:       []models.Step{shell("work", "exit 1")},
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.Error(t, err)
	var tripped *models.CircuitBreakerTripped
	assert.ErrorAs(t, err, &tripped)
	assert.Equal(t, models.FailedJobStatus, job.Status)
}

func TestRunJobEmptyInputStillReduces(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.base, "reduced")

	wf := models.Workflow{
		Name:  "empty",
		Setup: []models.Step{setupItems(`[]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 2,
			Agent:       []models.Step{shell("work", "exit 1")},
		},
		Reduce: []models.Step{shell("mark", "echo '${map.total}' > "+marker)},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, job.Status)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(data))
}

func TestRunJobMissingInput(t *testing.T) {
	f := newFixture(t)
	wf := models.Workflow{
		Name: "no input",
		Map: models.MapPhase{
			Input:       "never_captured",
			MaxParallel: 1,
			Agent:       []models.Step{shell("work", "true")},
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, models.FailedJobStatus, job.Status)
}

func TestInterruptAndResume(t *testing.T) {
	f := newFixture(t)
	scratch := t.TempDir()

	// "a" finishes instantly and records every run; "slow" outlasts the deadline
	agent := fmt.Sprintf(`case "${item}" in
a) echo ran >> %[1]s/a.runs ;;
slow) test -f %[1]s/resumed || sleep 5 ;;
esac`, scratch)

	wf := models.Workflow{
		Name:  "interruptible",
		Setup: []models.Step{setupItems(`["a","slow"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			MaxAttempts: 1,
			Agent:       []models.Step{shell("work", agent)},
		},
		Reduce: []models.Step{shell("summarize", "echo ${map.successful}")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	job, err := f.svc.RunJob(ctx, wf)
	require.Error(t, err)
	assert.Equal(t, models.InterruptedJobStatus, job.Status)

	// the quick item completed exactly once and was checkpointed
	runs, err := os.ReadFile(filepath.Join(scratch, "a.runs"))
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(runs))

	// let the slow item pass on resume
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "resumed"), nil, 0o644))

	resumed, err := f.svc.ResumeJob(context.Background(), job.ID, wf)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, resumed.Status)

	// completed items are never re-processed
	runs, err = os.ReadFile(filepath.Join(scratch, "a.runs"))
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(runs), "item a must not rerun on resume")
}

func TestRequeueThenResumeReplaysItem(t *testing.T) {
	f := newFixture(t)
	scratch := t.TempDir()
	summary := filepath.Join(scratch, "summary")

	agent := fmt.Sprintf(`case "${item}" in
bad) test -f %s/fixed ;;
*) true ;;
esac`, scratch)

	wf := models.Workflow{
		Name:  "replayable",
		Setup: []models.Step{setupItems(`["a","bad"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			MaxAttempts: 1,
			Agent:       []models.Step{shell("work", agent)},
		},
		Reduce: []models.Step{
			shell("summarize", fmt.Sprintf("echo '${map.successful}/${map.total}' > %s", summary)),
		},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	require.Equal(t, models.PartialJobStatus, job.Status)

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	require.Equal(t, "1/2\n", string(data))

	item, err := f.svc.RequeueDeadLetter(dlq.EntryID(job.ID, "item-1"))
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)

	// fix the underlying failure, then resume dispatches the item again
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "fixed"), nil, 0o644))

	resumed, err := f.svc.ResumeJob(context.Background(), job.ID, wf)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, resumed.Status)

	// reduce re-ran over the updated aggregates
	data, err = os.ReadFile(summary)
	require.NoError(t, err)
	assert.Equal(t, "2/2\n", string(data))

	entries, err := f.svc.DLQ().List(job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Reprocessed)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.SaveJob(models.Job{
		ID: "job-x", WorkflowName: "w", Status: models.InterruptedJobStatus,
		Phase: models.MapPhaseRun, CreatedAt: now, UpdatedAt: now,
	}))

	_, err := f.svc.ResumeJob(context.Background(), "job-x", models.Workflow{Name: "w"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}

func TestResumeUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ResumeJob(context.Background(), "ghost", models.Workflow{Name: "w"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResumeConflict(t *testing.T) {
	f := newFixture(t)
	lockDir := f.svc.cfg.LockDir

	held, err := checkpoint.TryAcquireLock(lockDir, "job-y")
	require.NoError(t, err)
	defer held.Release()

	_, err = f.svc.ResumeJob(context.Background(), "job-y", models.Workflow{Name: "w"})
	var rc *models.ResumeConflict
	assert.ErrorAs(t, err, &rc)
}

func TestResumeFinishedJobIsNoOp(t *testing.T) {
	f := newFixture(t)

	wf := models.Workflow{
		Name:  "quick",
		Setup: []models.Step{setupItems(`["a"]`)},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			Agent:       []models.Step{shell("work", "true")},
		},
	}
	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	require.Equal(t, models.CompletedJobStatus, job.Status)

	resumed, err := f.svc.ResumeJob(context.Background(), job.ID, wf)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, resumed.Status)
}

func TestStderrNotCapturedByDefault(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.base, "captured")

	setup := shell("noisy", "echo real output; echo noise >&2")
	setup.Capture = &models.CaptureSpec{Name: "result"}

	wf := models.Workflow{
		Name:  "streams",
		Setup: []models.Step{setupItems(`["a"]`), setup},
		Map: models.MapPhase{
			Input:       "items",
			MaxParallel: 1,
			Agent:       []models.Step{shell("work", "true")},
		},
		Reduce: []models.Step{shell("emit", fmt.Sprintf("echo '${result}' > %s", out))},
	}

	job, err := f.svc.RunJob(context.Background(), wf)
	require.NoError(t, err)
	require.Equal(t, models.CompletedJobStatus, job.Status)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "real output\n", string(data))
}
