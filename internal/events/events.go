package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
)

// Event is one line of a job's append-only event log.
type Event struct {
	Timestamp time.Time `json:"ts"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	ItemID    string    `json:"item_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Log writes agent lifecycle events to one JSONL file per job. It satisfies
// the scheduler's EventSink and is safe for concurrent workers.
type Log struct {
	dir string
	mu  sync.Mutex
}

func NewLog(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) path(jobID string) string {
	return filepath.Join(l.dir, jobID+".events.jsonl")
}

func (l *Log) append(e Event) {
	e.Timestamp = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path(e.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

func (l *Log) AgentStarted(exec models.AgentExecution) {
	l.append(Event{JobID: exec.JobID, Type: "agent_started", ItemID: exec.ItemID, AgentID: exec.ID, Attempt: exec.Attempt})
}

func (l *Log) AgentFinished(exec models.AgentExecution) {
	l.append(Event{JobID: exec.JobID, Type: "agent_finished", ItemID: exec.ItemID, AgentID: exec.ID, Attempt: exec.Attempt, Status: string(exec.Status), Message: exec.ErrorMsg})
}

// JobEvent records a job-level transition (phase change, interrupt, finish).
func (l *Log) JobEvent(jobID, eventType, message string) {
	l.append(Event{JobID: jobID, Type: eventType, Message: message})
}

// Read returns the last n events of a job's log; n <= 0 returns all.
func (l *Log) Read(jobID string, n int) ([]Event, error) {
	f, err := os.Open(l.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to open event log for job %s", jobID)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
