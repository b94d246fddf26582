package checkpoint

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapflow/mapflow/pkg/models"
)

func TestTryAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := TryAcquireLock(dir, "job-1")
	require.NoError(t, err)
	require.NotNil(t, lock)

	h, err := ReadHolder(dir, "job-1")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), h.PID)
	assert.False(t, IsStale(h))

	require.NoError(t, lock.Release())

	// released locks can be re-acquired
	again, err := TryAcquireLock(dir, "job-1")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestSecondAcquireConflicts(t *testing.T) {
	dir := t.TempDir()

	lock, err := TryAcquireLock(dir, "job-1")
	require.NoError(t, err)
	defer lock.Release()

	_, err = TryAcquireLock(dir, "job-1")
	var rc *models.ResumeConflict
	require.ErrorAs(t, err, &rc)
	assert.Equal(t, "job-1", rc.JobID)
	assert.Contains(t, rc.Holder, "pid")
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	dir := t.TempDir()

	const n = 8
	var wg sync.WaitGroup
	locks := make(chan *ResumeLock, n)
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := TryAcquireLock(dir, "job-1")
			if err != nil {
				conflicts <- err
				return
			}
			locks <- l
		}()
	}
	wg.Wait()
	close(locks)
	close(conflicts)

	won := 0
	for l := range locks {
		won++
		assert.NoError(t, l.Release())
	}
	assert.Equal(t, 1, won, "exactly one concurrent resume may proceed")
	assert.Len(t, conflicts, n-1)
}

func TestLocksAreIndependentPerJob(t *testing.T) {
	dir := t.TempDir()

	l1, err := TryAcquireLock(dir, "job-1")
	require.NoError(t, err)
	defer l1.Release()

	l2, err := TryAcquireLock(dir, "job-2")
	require.NoError(t, err)
	defer l2.Release()
}

func TestIsStale(t *testing.T) {
	assert.True(t, IsStale(LockHolder{PID: 0}))
	assert.True(t, IsStale(LockHolder{PID: -1}))
	assert.False(t, IsStale(LockHolder{PID: os.Getpid()}))
}

func TestForceClearLock(t *testing.T) {
	dir := t.TempDir()

	t.Run("refuses a live holder", func(t *testing.T) {
		lock, err := TryAcquireLock(dir, "job-1")
		require.NoError(t, err)
		defer lock.Release()

		err = ForceClearLock(dir, "job-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refusing")
	})

	t.Run("clears a dead holder", func(t *testing.T) {
		lock, err := TryAcquireLock(dir, "job-2")
		require.NoError(t, err)
		require.NoError(t, lock.Release())

		// fake a crashed process: holder file left behind with a dead pid
		h := LockHolder{PID: 1 << 30, Hostname: "gone", AcquiredAt: time.Now().Add(-time.Hour)}
		writeHolder(t, dir, "job-2", h)

		require.NoError(t, ForceClearLock(dir, "job-2"))

		relocked, err := TryAcquireLock(dir, "job-2")
		require.NoError(t, err)
		require.NoError(t, relocked.Release())
	})

	t.Run("clearing a missing lock is a no-op", func(t *testing.T) {
		assert.NoError(t, ForceClearLock(dir, "never-existed"))
	})
}

func writeHolder(t *testing.T, dir, jobID string, h LockHolder) {
	t.Helper()
	b, err := json.Marshal(h)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(holderPath(dir, jobID), b, 0o644))
}
