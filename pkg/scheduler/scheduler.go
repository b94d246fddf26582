package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/dlq"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/vars"
	"github.com/mapflow/mapflow/pkg/workspace"
)

const (
	// requeue backoff grows linearly with the attempt number
	retryBackoffUnit = 100 * time.Millisecond
	// in-flight agents get this long to wind down after a stop signal
	DefaultGracePeriod = 30 * time.Second
)

// Logger defines the logging interface for the Scheduler
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// AgentFunc runs the agent step sequence for one work item inside its
// workspace, against its agent-local variable store. It returns the last
// step output on success.
type AgentFunc func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error)

// EventSink receives the agent execution record at lifecycle transitions.
// Implementations must be safe for concurrent use.
type EventSink interface {
	AgentStarted(exec models.AgentExecution)
	AgentFinished(exec models.AgentExecution)
}

// Outcome is the aggregate result of one map phase run.
type Outcome struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []models.ItemResult
	// BreakerErr is set when the circuit breaker failed the phase.
	BreakerErr error
	// Aborted is set when the run was cancelled before all items resolved.
	Aborted bool
}

// workItemState tracks one item across attempts. The embedded execution
// record holds PENDING while the item waits in the ready queue.
type workItemState struct {
	item    models.WorkItem
	attempt int
	history []models.FailureDetail
	exec    models.AgentExecution
}

// Scheduler dispatches work items to a bounded pool of agent workers. At any
// instant at most maxParallel agent executions hold running status; items
// that exhaust their attempts are dead-lettered without failing the job
// unless the circuit breaker trips.
type Scheduler struct {
	jobID       string
	maxParallel int
	maxAttempts int
	breaker     models.CircuitBreaker
	workspaces  *workspace.Manager
	queue       *dlq.Queue
	agent       AgentFunc
	events      EventSink
	onTerminal  func(itemID string, result models.ItemResult, deadLettered bool)
	logger      Logger

	mu           sync.Mutex
	results      []models.ItemResult
	succeeded    int
	failed       int
	consecutive  int
	tripped      error
	pendingCount int
	completeChan chan struct{}
	cleanupOnce  sync.Once
}

type Option func(*Scheduler)

// WithEventSink wires agent lifecycle events to an external sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) { s.events = sink }
}

// WithTerminalHook registers a callback invoked after each item reaches a
// terminal status. The checkpoint manager hangs off this.
func WithTerminalHook(fn func(itemID string, result models.ItemResult, deadLettered bool)) Option {
	return func(s *Scheduler) { s.onTerminal = fn }
}

func NewScheduler(jobID string, phase models.MapPhase, workspaces *workspace.Manager, queue *dlq.Queue, agent AgentFunc, logger Logger, opts ...Option) *Scheduler {
	maxParallel := phase.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	maxAttempts := phase.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	s := &Scheduler{
		jobID:       jobID,
		maxParallel: maxParallel,
		maxAttempts: maxAttempts,
		breaker:     phase.Breaker,
		workspaces:  workspaces,
		queue:       queue,
		agent:       agent,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes every item to a terminal status (succeeded or dead-lettered)
// and returns the aggregate outcome. Result order is completion order, not
// input order. Run returns early when ctx is cancelled or the breaker trips;
// queued items are then abandoned and the outcome marked accordingly.
func (s *Scheduler) Run(ctx context.Context, items []models.WorkItem, baseStore *vars.Store) Outcome {
	total := len(items)
	if total == 0 {
		return Outcome{}
	}

	s.mu.Lock()
	s.pendingCount = total
	s.completeChan = make(chan struct{})
	s.mu.Unlock()

	// every retry re-enters this channel, so size it for the worst case
	itemChan := make(chan *workItemState, total*s.maxAttempts)
	for i := range items {
		itemChan <- &workItemState{
			item: items[i],
			exec: models.AgentExecution{
				JobID:  s.jobID,
				ItemID: items[i].ID,
				Status: models.PendingAgentStatus,
			},
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.maxParallel
	if total < workers {
		workers = total
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.worker(runCtx, &wg, itemChan, baseStore, total)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-s.completeChan:
	case <-ctx.Done():
		s.logger.Infof("Stop signal received for job %s, waiting up to %s for in-flight agents", s.jobID, DefaultGracePeriod)
		select {
		case <-s.completeChan:
		case <-drained:
		case <-time.After(DefaultGracePeriod):
			s.logger.Warnf("Grace period elapsed for job %s, abandoning in-flight agents", s.jobID)
		}
	}
	cancel()
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Outcome{
		Total:      total,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		Results:    append([]models.ItemResult(nil), s.results...),
		BreakerErr: s.tripped,
		Aborted:    ctx.Err() != nil && s.succeeded+s.failed < total,
	}
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, itemChan chan *workItemState, baseStore *vars.Store, total int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-itemChan:
			s.mu.Lock()
			trippedErr := s.tripped
			s.mu.Unlock()
			if trippedErr != nil {
				return
			}
			s.processItem(ctx, state, itemChan, baseStore, total)
		}
	}
}

// processItem runs one attempt of one work item from workspace creation to
// outcome classification.
func (s *Scheduler) processItem(ctx context.Context, state *workItemState, itemChan chan *workItemState, baseStore *vars.Store, total int) {
	state.attempt++
	item := state.item
	start := time.Now()

	exec := &state.exec
	exec.ID = uuid.NewString()
	exec.Attempt = state.attempt
	exec.Status = models.RunningAgentStatus
	exec.StartedAt = &start
	exec.FinishedAt = nil
	exec.ErrorMsg = ""
	if s.events != nil {
		s.events.AgentStarted(*exec)
	}
	s.logger.Infof("Starting agent %s for item %s (attempt %d/%d)", exec.ID, item.ID, state.attempt, s.maxAttempts)

	output, err := s.runAttempt(ctx, item, exec, baseStore, total)
	duration := time.Since(start)
	finished := start.Add(duration)
	exec.FinishedAt = &finished

	if err == nil {
		exec.Status = models.SucceededAgentStatus
		s.recordSuccess(item, output, state.attempt, duration)
		if s.events != nil {
			s.events.AgentFinished(*exec)
		}
		return
	}

	exec.ErrorMsg = err.Error()
	state.history = append(state.history, models.FailureDetail{
		Attempt:   state.attempt,
		Timestamp: time.Now(),
		Kind:      classify(err),
		Message:   err.Error(),
		AgentID:   exec.ID,
		Duration:  duration,
	})

	if ctx.Err() != nil {
		// cancelled mid-flight; leave the item unresolved so resume retries it
		exec.Status = models.FailedAgentStatus
		exec.ErrorMsg = ctx.Err().Error()
		if s.events != nil {
			s.events.AgentFinished(*exec)
		}
		return
	}

	if state.attempt < s.maxAttempts {
		s.logger.Infof("Item %s failed (attempt %d/%d), requeueing: %v", item.ID, state.attempt, s.maxAttempts, err)
		exec.Status = models.FailedAgentStatus
		if s.events != nil {
			s.events.AgentFinished(*exec)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(state.attempt) * retryBackoffUnit):
		}
		// back on the ready queue until a worker picks it up again
		exec.Status = models.PendingAgentStatus
		itemChan <- state
		return
	}

	exec.Status = models.DeadLetteredAgentStatus
	s.recordDeadLetter(state, err, duration)
	if s.events != nil {
		s.events.AgentFinished(*exec)
	}
}

// runAttempt creates the workspace, runs the agent, and merges on success.
func (s *Scheduler) runAttempt(ctx context.Context, item models.WorkItem, exec *models.AgentExecution, baseStore *vars.Store, total int) (string, error) {
	ws, err := s.workspaces.Create(ctx, exec.ID)
	if err != nil {
		return "", errors.Wrap(err, "workspace creation failed")
	}
	exec.Workspace = ws.ID
	// Destroy failures become orphan records, never agent failures.
	defer func() {
		if destroyErr := s.workspaces.Destroy(ctx, ws); destroyErr != nil {
			s.logger.Errorf("Workspace %s left orphaned: %v", ws.ID, destroyErr)
		}
	}()

	agentStore := baseStore.AgentView()
	var payload interface{}
	if err := unmarshalPayload(item.Payload, &payload); err != nil {
		return "", errors.Wrapf(err, "invalid payload for item %s", item.ID)
	}
	_ = agentStore.SetPlain(vars.AgentScope, vars.ItemVar, payload)
	_ = agentStore.SetPlain(vars.AgentScope, vars.ItemIndexVar, float64(item.Index))
	_ = agentStore.SetPlain(vars.AgentScope, vars.ItemTotalVar, float64(total))

	output, err := s.agent(ctx, item, exec.ID, ws, agentStore)
	if err != nil {
		return "", err
	}
	if err := s.workspaces.Merge(ctx, ws); err != nil {
		return "", err
	}
	return output, nil
}

func (s *Scheduler) recordSuccess(item models.WorkItem, output string, attempts int, duration time.Duration) {
	result := models.ItemResult{
		ItemID:   item.ID,
		Item:     item.Payload,
		Success:  true,
		Output:   output,
		Attempts: attempts,
		Duration: duration,
	}
	s.mu.Lock()
	s.succeeded++
	s.consecutive = 0
	s.results = append(s.results, result)
	s.finishItemLocked()
	s.mu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal(item.ID, result, false)
	}
}

func (s *Scheduler) recordDeadLetter(state *workItemState, cause error, duration time.Duration) {
	item := state.item
	exhausted := &models.RetryExhausted{ItemID: item.ID, Attempts: state.attempt, Cause: cause}
	s.logger.Errorf("%v", exhausted)

	entry := models.DLQEntry{
		JobID:        s.jobID,
		ItemID:       item.ID,
		Payload:      item.Payload,
		Reason:       cause.Error(),
		Attempts:     state.attempt,
		History:      state.history,
		FirstAttempt: state.history[0].Timestamp,
		LastAttempt:  state.history[len(state.history)-1].Timestamp,
	}
	if err := s.queue.Enqueue(entry); err != nil {
		s.logger.Errorf("Failed to dead-letter item %s: %v", item.ID, err)
	}

	result := models.ItemResult{
		ItemID:   item.ID,
		Item:     item.Payload,
		Success:  false,
		Error:    cause.Error(),
		Attempts: state.attempt,
		Duration: duration,
	}
	s.mu.Lock()
	s.failed++
	s.consecutive++
	s.results = append(s.results, result)
	s.checkBreakerLocked()
	s.finishItemLocked()
	s.mu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal(item.ID, result, true)
	}
}

// checkBreakerLocked trips the circuit breaker when configured thresholds are
// exceeded. Caller holds s.mu.
func (s *Scheduler) checkBreakerLocked() {
	if s.tripped != nil {
		return
	}
	resolved := s.succeeded + s.failed
	rate := 0.0
	if resolved > 0 {
		rate = float64(s.failed) / float64(resolved)
	}
	if s.breaker.MaxConsecutiveFailures > 0 && s.consecutive >= s.breaker.MaxConsecutiveFailures {
		s.tripped = &models.CircuitBreakerTripped{Consecutive: s.consecutive, FailureRate: rate}
	} else if s.breaker.FailureRateThreshold > 0 && rate >= s.breaker.FailureRateThreshold {
		s.tripped = &models.CircuitBreakerTripped{Consecutive: s.consecutive, FailureRate: rate}
	}
	if s.tripped != nil {
		s.logger.Errorf("Map phase of job %s failing: %v", s.jobID, s.tripped)
		s.cleanupOnce.Do(func() { close(s.completeChan) })
	}
}

// finishItemLocked decrements the pending count and signals completion when
// every item is terminal. Caller holds s.mu.
func (s *Scheduler) finishItemLocked() {
	s.pendingCount--
	if s.pendingCount == 0 {
		s.cleanupOnce.Do(func() { close(s.completeChan) })
	}
}

// unmarshalPayload decodes an item payload; a bare string payload that is not
// valid JSON is kept as the raw string.
func unmarshalPayload(raw json.RawMessage, out *interface{}) error {
	if len(raw) == 0 {
		*out = nil
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		*out = string(raw)
	}
	return nil
}

func classify(err error) models.FailureKind {
	var timeout *models.ExecutionTimeout
	var conflict *models.WorkspaceConflict
	var cleanup *models.CleanupFailure
	switch {
	case errors.As(err, &timeout):
		return models.FailureTimeout
	case errors.As(err, &conflict):
		return models.FailureMergeConflict
	case errors.As(err, &cleanup):
		return models.FailureWorkspace
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailureTimeout
	default:
		return models.FailureCommandFailed
	}
}
