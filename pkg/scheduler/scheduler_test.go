package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapflow/mapflow/pkg/dlq"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/storage"
	"github.com/mapflow/mapflow/pkg/vars"
	"github.com/mapflow/mapflow/pkg/workspace"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type noGit struct{}

func (noGit) CreateWorktree(ctx context.Context, repo, path, branch string) error    { return nil }
func (noGit) MergeBranch(ctx context.Context, repo, branch string, args []string) error { return nil }
func (noGit) RemoveWorktree(ctx context.Context, repo, path string, force bool) error   { return nil }
func (noGit) DeleteBranch(ctx context.Context, repo, branch string) error               { return nil }

func makeItems(n int) []models.WorkItem {
	items := make([]models.WorkItem, n)
	for i := range items {
		payload, _ := json.Marshal(fmt.Sprintf("payload-%d", i))
		items[i] = models.WorkItem{ID: fmt.Sprintf("item-%d", i), Index: i, Payload: payload}
	}
	return items
}

func newScheduler(t *testing.T, phase models.MapPhase, agent AgentFunc, opts ...Option) (*Scheduler, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	queue := dlq.NewQueue(store, testLogger{})
	mgr := workspace.NewManager(noGit{}, "/repo", t.TempDir(), "job-1", nil, testLogger{})
	return NewScheduler("job-1", phase, mgr, queue, agent, testLogger{}, opts...), store
}

func TestRunAllSucceed(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		return "done " + item.ID, nil
	}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 3}, agent)

	outcome := s.Run(context.Background(), makeItems(5), vars.NewStore())
	assert.Equal(t, 5, outcome.Total)
	assert.Equal(t, 5, outcome.Succeeded)
	assert.Equal(t, 0, outcome.Failed)
	assert.Len(t, outcome.Results, 5)
	assert.False(t, outcome.Aborted)
	assert.NoError(t, outcome.BreakerErr)
}

func TestRunBoundsParallelism(t *testing.T) {
	var running, peak int32
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return "", nil
	}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 2}, agent)

	outcome := s.Run(context.Background(), makeItems(6), vars.NewStore())
	assert.Equal(t, 6, outcome.Succeeded)
	assert.LessOrEqual(t, peak, int32(2), "more than max_parallel agents ran at once")
}

func TestRunAgentStoreIsolation(t *testing.T) {
	base := vars.NewStore()
	require.NoError(t, base.SetPlain(vars.WorkflowScope, "shared", "from setup"))

	var mu sync.Mutex
	seen := map[string]float64{}
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		v, err := store.Get(vars.ItemVar)
		if err != nil {
			return "", err
		}
		idx, err := store.Get(vars.ItemIndexVar)
		if err != nil {
			return "", err
		}
		total, err := store.Get(vars.ItemTotalVar)
		if err != nil {
			return "", err
		}
		if _, err := store.Get("shared"); err != nil {
			return "", err
		}
		mu.Lock()
		seen[v.(string)] = idx.(float64)
		mu.Unlock()
		assert.Equal(t, float64(3), total)
		return "", nil
	}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 3}, agent)

	outcome := s.Run(context.Background(), makeItems(3), base)
	require.Equal(t, 3, outcome.Succeeded)
	assert.Equal(t, map[string]float64{"payload-0": 0, "payload-1": 1, "payload-2": 2}, seen)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	var attempts sync.Map
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		n, _ := attempts.LoadOrStore(item.ID, new(int32))
		if item.ID == "item-2" && atomic.AddInt32(n.(*int32), 1) < 3 {
			return "", errors.New("transient failure")
		}
		return "ok", nil
	}
	s, store := newScheduler(t, models.MapPhase{MaxParallel: 2, MaxAttempts: 3}, agent)

	outcome := s.Run(context.Background(), makeItems(5), vars.NewStore())
	assert.Equal(t, 5, outcome.Succeeded)
	assert.Equal(t, 0, outcome.Failed)

	for _, r := range outcome.Results {
		if r.ItemID == "item-2" {
			assert.Equal(t, 3, r.Attempts)
		} else {
			assert.Equal(t, 1, r.Attempts)
		}
	}
	entries, err := store.ListDLQ("job-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "recovered items must not reach the DLQ")
}

func TestRunDeadLettersExhaustedItems(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		if item.ID == "item-1" {
			return "", errors.New("permanent failure")
		}
		return "ok", nil
	}
	s, store := newScheduler(t, models.MapPhase{MaxParallel: 2, MaxAttempts: 2}, agent)

	outcome := s.Run(context.Background(), makeItems(3), vars.NewStore())
	assert.Equal(t, 2, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed)
	assert.NoError(t, outcome.BreakerErr)

	entries, err := store.ListDLQ("job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one DLQ entry per exhausted item")
	e := entries[0]
	assert.Equal(t, dlq.EntryID("job-1", "item-1"), e.ID)
	assert.Equal(t, 2, e.Attempts)
	require.Len(t, e.History, 2)
	assert.Equal(t, models.FailureCommandFailed, e.History[0].Kind)
	assert.Equal(t, 1, e.History[0].Attempt)
	assert.Equal(t, 2, e.History[1].Attempt)
}

func TestRunBreakerConsecutive(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		return "", errors.New("everything is broken")
	}
	phase := models.MapPhase{
		MaxParallel: 1,
		MaxAttempts: 1,
		Breaker:     models.CircuitBreaker{MaxConsecutiveFailures: 3},
	}
	s, _ := newScheduler(t, phase, agent)

	outcome := s.Run(context.Background(), makeItems(10), vars.NewStore())
	var tripped *models.CircuitBreakerTripped
	require.ErrorAs(t, outcome.BreakerErr, &tripped)
	assert.GreaterOrEqual(t, tripped.Consecutive, 3)
	assert.Less(t, outcome.Succeeded+outcome.Failed, 10, "breaker must stop the phase early")
}

func TestRunBreakerFailureRate(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		return "", errors.New("failing")
	}
	phase := models.MapPhase{
		MaxParallel: 1,
		MaxAttempts: 1,
		Breaker:     models.CircuitBreaker{FailureRateThreshold: 0.5},
	}
	s, _ := newScheduler(t, phase, agent)

	outcome := s.Run(context.Background(), makeItems(4), vars.NewStore())
	assert.Error(t, outcome.BreakerErr)
}

func TestRunTimeoutClassifiedInDLQ(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		return "", &models.ExecutionTimeout{Step: "map/slow", Timeout: "1s"}
	}
	s, store := newScheduler(t, models.MapPhase{MaxParallel: 1, MaxAttempts: 1}, agent)

	s.Run(context.Background(), makeItems(1), vars.NewStore())
	entries, err := store.ListDLQ("job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.FailureTimeout, entries[0].History[0].Kind)
}

func TestRunCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "ok", nil
		}
	}
	s, store := newScheduler(t, models.MapPhase{MaxParallel: 1, MaxAttempts: 1}, agent)

	go func() {
		<-started
		cancel()
	}()
	outcome := s.Run(ctx, makeItems(4), vars.NewStore())
	assert.True(t, outcome.Aborted)
	assert.Less(t, outcome.Succeeded+outcome.Failed, 4)

	// interrupted items are not dead-lettered; resume owns them
	entries, err := store.ListDLQ("job-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunEmptyInput(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		t.Fatal("agent must not run for empty input")
		return "", nil
	}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 2}, agent)

	outcome := s.Run(context.Background(), nil, vars.NewStore())
	assert.Equal(t, Outcome{}, outcome)
}

func TestRunTerminalHook(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		if item.ID == "item-0" {
			return "", errors.New("nope")
		}
		return "ok", nil
	}
	var mu sync.Mutex
	terminal := map[string]bool{}
	hook := func(itemID string, result models.ItemResult, deadLettered bool) {
		mu.Lock()
		defer mu.Unlock()
		terminal[itemID] = deadLettered
	}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 2, MaxAttempts: 1}, agent, WithTerminalHook(hook))

	s.Run(context.Background(), makeItems(3), vars.NewStore())
	assert.Equal(t, map[string]bool{"item-0": true, "item-1": false, "item-2": false}, terminal)
}

type recordingSink struct {
	mu       sync.Mutex
	started  []models.AgentExecution
	finished []models.AgentExecution
}

func (r *recordingSink) AgentStarted(exec models.AgentExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, exec)
}

func (r *recordingSink) AgentFinished(exec models.AgentExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, exec)
}

func TestRunEmitsEvents(t *testing.T) {
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		return "ok", nil
	}
	sink := &recordingSink{}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 2}, agent, WithEventSink(sink))

	s.Run(context.Background(), makeItems(3), vars.NewStore())
	require.Len(t, sink.started, 3)
	for _, e := range sink.started {
		assert.Equal(t, models.RunningAgentStatus, e.Status)
		assert.NotEmpty(t, e.ID)
		require.NotNil(t, e.StartedAt)
	}
	require.Len(t, sink.finished, 3)
	for _, e := range sink.finished {
		assert.Equal(t, models.SucceededAgentStatus, e.Status)
		assert.NotEmpty(t, e.Workspace)
		require.NotNil(t, e.FinishedAt)
	}
}

func TestRetryEventsCarryAttempts(t *testing.T) {
	var calls int32
	agent := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}
	sink := &recordingSink{}
	s, _ := newScheduler(t, models.MapPhase{MaxParallel: 1, MaxAttempts: 2}, agent, WithEventSink(sink))

	s.Run(context.Background(), makeItems(1), vars.NewStore())
	require.Len(t, sink.finished, 2)
	assert.Equal(t, models.FailedAgentStatus, sink.finished[0].Status)
	assert.Equal(t, 1, sink.finished[0].Attempt)
	assert.Equal(t, "transient", sink.finished[0].ErrorMsg)
	assert.Equal(t, models.SucceededAgentStatus, sink.finished[1].Status)
	assert.Equal(t, 2, sink.finished[1].Attempt)
	// the two attempts ran under distinct agent identities
	assert.NotEqual(t, sink.finished[0].ID, sink.finished[1].ID)
}
