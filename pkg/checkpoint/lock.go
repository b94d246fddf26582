package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
)

// LockHolder identifies the process holding a resume lock.
type LockHolder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ResumeLock is the single point of cross-process mutual exclusion: it
// guarantees that only one resume runs per job. The flock gives the exclusion
// itself; the sidecar file records who holds it for staleness checks.
type ResumeLock struct {
	jobID    string
	lockPath string
	fl       *flock.Flock
}

func lockPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".resume.lock")
}

func holderPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".resume.holder.json")
}

// TryAcquireLock acquires the resume lock for a job, failing fast with a
// ResumeConflict if another resume holds it.
func TryAcquireLock(dir, jobID string) (*ResumeLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}
	fl := flock.New(lockPath(dir, jobID))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire resume lock for job %s", jobID)
	}
	if !locked {
		holder := ""
		if h, err := ReadHolder(dir, jobID); err == nil {
			holder = h.describe()
		}
		return nil, &models.ResumeConflict{JobID: jobID, Holder: holder}
	}

	hostname, _ := os.Hostname()
	h := LockHolder{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
	data, err := json.Marshal(h)
	if err == nil {
		err = os.WriteFile(holderPath(dir, jobID), data, 0o644)
	}
	if err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "failed to record lock holder")
	}
	return &ResumeLock{jobID: jobID, lockPath: dir, fl: fl}, nil
}

// Release drops the lock and its holder record.
func (l *ResumeLock) Release() error {
	if err := os.Remove(holderPath(l.lockPath, l.jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return l.fl.Unlock()
}

// ReadHolder returns the recorded holder of a job's resume lock.
func ReadHolder(dir, jobID string) (LockHolder, error) {
	data, err := os.ReadFile(holderPath(dir, jobID))
	if err != nil {
		return LockHolder{}, err
	}
	var h LockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		return LockHolder{}, err
	}
	return h, nil
}

// IsStale reports whether the recorded holder process no longer exists.
// Staleness never clears a lock implicitly; ForceClearLock is the explicit
// cleanup operation.
func IsStale(h LockHolder) bool {
	if h.PID <= 0 {
		return true
	}
	// signal 0 probes process existence without touching it
	err := syscall.Kill(h.PID, 0)
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH)
}

// ForceClearLock removes a stale lock. It refuses to clear a lock whose
// holder still looks alive.
func ForceClearLock(dir, jobID string) error {
	h, err := ReadHolder(dir, jobID)
	if err == nil && !IsStale(h) {
		return errors.Errorf("resume lock for job %s is held by live process %d, refusing to clear", jobID, h.PID)
	}
	if err := os.Remove(holderPath(dir, jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(lockPath(dir, jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (h LockHolder) describe() string {
	if h.Hostname != "" {
		return fmt.Sprintf("pid %d on %s", h.PID, h.Hostname)
	}
	return fmt.Sprintf("pid %d", h.PID)
}
