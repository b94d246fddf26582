package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/checkpoint"
	"github.com/mapflow/mapflow/pkg/dlq"
	"github.com/mapflow/mapflow/pkg/executor"
	"github.com/mapflow/mapflow/pkg/interpreter"
	"github.com/mapflow/mapflow/pkg/models"
	"github.com/mapflow/mapflow/pkg/scheduler"
	"github.com/mapflow/mapflow/pkg/storage"
	"github.com/mapflow/mapflow/pkg/vars"
	"github.com/mapflow/mapflow/pkg/workspace"
)

// Logger defines the logging interface for the JobService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config carries the engine settings a JobService needs.
type Config struct {
	// BaseRepo is the shared base the isolated workspaces branch from.
	BaseRepo string
	// WorkspaceRoot holds per-agent workspaces; defaults under the state dir.
	WorkspaceRoot string
	// LockDir holds per-job resume lock markers.
	LockDir string
	// ConflictStrategy resolves workspace merge conflicts; nil means fail.
	ConflictStrategy workspace.ConflictStrategy
	// Git overrides the git collaborator, mainly for tests.
	Git workspace.GitOps
	// Events receives agent lifecycle events; may be nil.
	Events scheduler.EventSink
}

// JobService drives a workflow through its three phases: the sequential
// setup phase, the fan-out map phase, and the sequential reduce phase.
type JobService struct {
	store  storage.Store
	ckpts  *checkpoint.Manager
	queue  *dlq.Queue
	exec   *executor.Executor
	interp *interpreter.Interpreter
	cfg    Config
	logger Logger
}

func NewJobService(store storage.Store, exec *executor.Executor, cfg Config, logger Logger) *JobService {
	if cfg.Git == nil {
		cfg.Git = workspace.NewGitCLI()
	}
	return &JobService{
		store:  store,
		ckpts:  checkpoint.NewManager(store, logger),
		queue:  dlq.NewQueue(store, logger),
		exec:   exec,
		interp: interpreter.NewInterpreter(exec, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// DLQ exposes the service's dead letter queue for operator commands.
func (s *JobService) DLQ() *dlq.Queue { return s.queue }

// RequeueDeadLetter returns a dead-lettered item to the pending set: the DLQ
// entry is marked reprocessed and the checkpoint forgets the item's failure,
// so the next resume dispatches it again. A finished job is rewound to the
// map phase and reduce re-runs over the updated aggregates.
func (s *JobService) RequeueDeadLetter(entryID string) (models.WorkItem, error) {
	entry, err := s.store.GetDLQEntry(entryID)
	if err != nil {
		return models.WorkItem{}, err
	}
	item, err := s.queue.Requeue(entryID)
	if err != nil {
		return models.WorkItem{}, err
	}
	cp, err := s.ckpts.Load(entry.JobID)
	if err != nil {
		return models.WorkItem{}, err
	}
	if cp == nil {
		return item, nil
	}

	dead := make([]string, 0, len(cp.DeadLettered))
	for _, id := range cp.DeadLettered {
		if id != entry.ItemID {
			dead = append(dead, id)
		}
	}
	cp.DeadLettered = dead
	results := make([]models.ItemResult, 0, len(cp.Results))
	for _, r := range cp.Results {
		if r.ItemID != entry.ItemID {
			results = append(results, r)
		}
	}
	cp.Results = results
	cp.Cursor = len(cp.Completed) + len(cp.DeadLettered)
	if cp.Phase == models.DonePhase {
		cp.Phase = models.MapPhaseRun
		cp.ReduceStep = 0
	}
	if err := s.ckpts.Amend(*cp); err != nil {
		return models.WorkItem{}, err
	}
	s.logger.Infof("Requeued item %s of job %s; the next resume will dispatch it", entry.ItemID, entry.JobID)
	return item, nil
}

// ListJobs returns all persisted jobs.
func (s *JobService) ListJobs() ([]models.Job, error) {
	return s.store.ListJobs()
}

// GetJob fetches one job by id.
func (s *JobService) GetJob(id string) (models.Job, error) {
	return s.store.GetJob(id)
}

// jobState is the live, mutex-guarded progress record snapshots are cut from.
type jobState struct {
	mu           sync.Mutex
	jobID        string
	workflowName string
	phase        models.JobPhase
	setupStep    int
	reduceStep   int
	completed    []string
	deadLettered []string
	results      []models.ItemResult
	totalItems   int
	store        *vars.Store
}

func (st *jobState) snapshot() checkpoint.JobState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return checkpoint.JobState{
		JobID:        st.jobID,
		WorkflowName: st.workflowName,
		Phase:        st.phase,
		SetupStep:    st.setupStep,
		ReduceStep:   st.reduceStep,
		Completed:    append([]string(nil), st.completed...),
		DeadLettered: append([]string(nil), st.deadLettered...),
		Results:      append([]models.ItemResult(nil), st.results...),
		Cursor:       len(st.completed) + len(st.deadLettered),
		TotalItems:   st.totalItems,
		Vars:         st.store,
	}
}

// RunJob creates a job for the workflow and runs it to a terminal status.
func (s *JobService) RunJob(ctx context.Context, wf models.Workflow) (models.Job, error) {
	job := models.Job{
		ID:           uuid.NewString(),
		WorkflowName: wf.Name,
		Status:       models.RunningJobStatus,
		Phase:        models.SetupPhase,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.store.SaveJob(job); err != nil {
		return models.Job{}, errors.Wrap(err, "failed to save job")
	}
	s.logger.Infof("Created job %s for workflow %q", job.ID, wf.Name)

	store := vars.NewStore()
	_ = store.SetPlain(vars.WorkflowScope, "workflow.name", wf.Name)
	_ = store.SetPlain(vars.WorkflowScope, "job.id", job.ID)

	st := &jobState{
		jobID:        job.ID,
		workflowName: wf.Name,
		phase:        models.SetupPhase,
		store:        store,
	}
	return s.run(ctx, job, wf, st)
}

// ResumeJob continues a checkpointed job: items already terminal are not
// re-processed, the workflow-wide variables are restored, and setup or
// reduce continue from their recorded step boundary. The resume lock is held
// for the duration; a concurrent resume fails with ResumeConflict.
func (s *JobService) ResumeJob(ctx context.Context, jobID string, wf models.Workflow) (models.Job, error) {
	lock, err := checkpoint.TryAcquireLock(s.cfg.LockDir, jobID)
	if err != nil {
		return models.Job{}, err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			s.logger.Errorf("Failed to release resume lock for job %s: %v", jobID, relErr)
		}
	}()

	job, err := s.store.GetJob(jobID)
	if err != nil {
		return models.Job{}, err
	}
	cp, err := s.ckpts.Load(jobID)
	if err != nil {
		return models.Job{}, err
	}
	if cp == nil {
		return models.Job{}, errors.Errorf("no checkpoint found for job %s", jobID)
	}
	if cp.Phase == models.DonePhase {
		s.logger.Infof("Job %s already finished, nothing to resume", jobID)
		return job, nil
	}

	store := vars.NewStore()
	if err := store.RestoreWorkflow(cp.Variables); err != nil {
		return models.Job{}, errors.Wrap(err, "failed to restore checkpoint variables")
	}

	st := &jobState{
		jobID:        job.ID,
		workflowName: wf.Name,
		phase:        cp.Phase,
		setupStep:    cp.SetupStep,
		reduceStep:   cp.ReduceStep,
		completed:    append([]string(nil), cp.Completed...),
		deadLettered: append([]string(nil), cp.DeadLettered...),
		results:      append([]models.ItemResult(nil), cp.Results...),
		totalItems:   cp.TotalItems,
		store:        store,
	}
	job.Status = models.RunningJobStatus
	if err := s.store.UpdateJobStatus(job.ID, job.Status, cp.Phase); err != nil {
		return models.Job{}, err
	}
	s.logger.Infof("Resuming job %s in %s phase (%d items terminal)", jobID, cp.Phase, len(cp.Completed)+len(cp.DeadLettered))
	return s.run(ctx, job, wf, st)
}

// run drives the remaining phases of a job from the given state.
func (s *JobService) run(ctx context.Context, job models.Job, wf models.Workflow, st *jobState) (models.Job, error) {
	if st.phase == models.SetupPhase {
		if err := s.runSetup(ctx, job, wf, st); err != nil {
			return s.fail(ctx, job, st, err)
		}
		st.mu.Lock()
		st.phase = models.MapPhaseRun
		st.mu.Unlock()
		s.saveCheckpoint(st)
	}

	if st.phase == models.MapPhaseRun {
		outcome, err := s.runMap(ctx, job, wf, st)
		if err != nil {
			return s.fail(ctx, job, st, err)
		}
		if outcome.Aborted {
			return s.interrupt(job, st, ctx.Err())
		}
		s.aggregate(st, outcome)
		st.mu.Lock()
		st.phase = models.ReducePhase
		st.mu.Unlock()
		s.saveCheckpoint(st)
	}

	if st.phase == models.ReducePhase {
		if err := s.runReduce(ctx, job, wf, st); err != nil {
			return s.fail(ctx, job, st, err)
		}
		st.mu.Lock()
		st.phase = models.DonePhase
		st.mu.Unlock()
		s.saveCheckpoint(st)
	}

	// Partial success is a first-class terminal state: dead-lettered items
	// do not fail the job once reduce has run.
	status := models.CompletedJobStatus
	st.mu.Lock()
	if len(st.deadLettered) > 0 {
		status = models.PartialJobStatus
	}
	st.mu.Unlock()
	if err := s.store.UpdateJobStatus(job.ID, status, models.DonePhase); err != nil {
		return models.Job{}, err
	}
	job.Status = status
	job.Phase = models.DonePhase
	s.logger.Infof("Job %s finished with status %s", job.ID, status)
	return job, nil
}

func (s *JobService) runSetup(ctx context.Context, job models.Job, wf models.Workflow, st *jobState) error {
	if len(wf.Setup) == 0 {
		return nil
	}
	st.mu.Lock()
	start := st.setupStep
	st.mu.Unlock()
	res := s.interp.RunPhase(ctx, "setup", wf.Setup, start, s.cfg.BaseRepo, st.store, func(next int) {
		st.mu.Lock()
		st.setupStep = next
		st.mu.Unlock()
		s.saveCheckpoint(st)
	})
	switch res.Status {
	case interpreter.CompletedPhase:
		return nil
	case interpreter.AbortedPhase:
		return res.Err
	default:
		return errors.Wrapf(res.Err, "setup phase failed at %s", res.FailedStep)
	}
}

func (s *JobService) runMap(ctx context.Context, job models.Job, wf models.Workflow, st *jobState) (scheduler.Outcome, error) {
	if err := s.store.UpdateJobStatus(job.ID, models.RunningJobStatus, models.MapPhaseRun); err != nil {
		return scheduler.Outcome{}, err
	}

	items, err := s.materializeItems(wf.Map.Input, st.store)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	st.mu.Lock()
	st.totalItems = len(items)
	terminal := make(map[string]struct{}, len(st.completed)+len(st.deadLettered))
	for _, id := range st.completed {
		terminal[id] = struct{}{}
	}
	for _, id := range st.deadLettered {
		terminal[id] = struct{}{}
	}
	st.mu.Unlock()

	var remaining []models.WorkItem
	for _, it := range items {
		if _, done := terminal[it.ID]; !done {
			remaining = append(remaining, it)
		}
	}
	if len(remaining) == 0 {
		s.logger.Infof("Job %s: all %d items already terminal", job.ID, len(items))
		return s.priorOutcome(st), nil
	}
	s.logger.Infof("Job %s: dispatching %d of %d items with max_parallel=%d", job.ID, len(remaining), len(items), wf.Map.MaxParallel)

	wsRoot := s.cfg.WorkspaceRoot
	manager := workspace.NewManager(s.cfg.Git, s.cfg.BaseRepo, wsRoot, job.ID, s.cfg.ConflictStrategy, s.logger)

	agentFn := func(ctx context.Context, item models.WorkItem, agentID string, ws *workspace.Workspace, store *vars.Store) (string, error) {
		res := s.interp.RunPhase(ctx, "agent", wf.Map.Agent, 0, ws.Path, store, nil)
		if res.Status != interpreter.CompletedPhase {
			return "", res.Err
		}
		return res.LastOutput, nil
	}

	opts := []scheduler.Option{
		scheduler.WithTerminalHook(func(itemID string, result models.ItemResult, deadLettered bool) {
			st.mu.Lock()
			if deadLettered {
				st.deadLettered = append(st.deadLettered, itemID)
			} else {
				st.completed = append(st.completed, itemID)
			}
			st.results = append(st.results, result)
			st.mu.Unlock()
			s.saveCheckpoint(st)
		}),
	}
	if s.cfg.Events != nil {
		opts = append(opts, scheduler.WithEventSink(s.cfg.Events))
	}
	sched := scheduler.NewScheduler(job.ID, wf.Map, manager, s.queue, agentFn, s.logger, opts...)

	outcome := sched.Run(ctx, remaining, st.store)
	if outcome.BreakerErr != nil {
		return outcome, outcome.BreakerErr
	}
	return outcome, nil
}

// priorOutcome rebuilds the aggregate outcome purely from checkpointed state,
// for resumes where no items remain.
func (s *JobService) priorOutcome(st *jobState) scheduler.Outcome {
	st.mu.Lock()
	defer st.mu.Unlock()
	return scheduler.Outcome{
		Total:     st.totalItems,
		Succeeded: len(st.completed),
		Failed:    len(st.deadLettered),
		Results:   append([]models.ItemResult(nil), st.results...),
	}
}

// aggregate publishes the map.* aggregates into the workflow-wide scope
// before the reduce interpreter starts. map.results is an unordered
// collection; reduce must sort explicitly if it needs an order.
func (s *JobService) aggregate(st *jobState, outcome scheduler.Outcome) {
	st.mu.Lock()
	total := st.totalItems
	succeeded := len(st.completed)
	failed := len(st.deadLettered)
	results := append([]models.ItemResult(nil), st.results...)
	st.mu.Unlock()

	resultVals := make([]interface{}, 0, len(results))
	for _, r := range results {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		resultVals = append(resultVals, v)
	}
	_ = st.store.SetPlain(vars.WorkflowScope, vars.MapTotal, float64(total))
	_ = st.store.SetPlain(vars.WorkflowScope, vars.MapSuccessful, float64(succeeded))
	_ = st.store.SetPlain(vars.WorkflowScope, vars.MapFailed, float64(failed))
	_ = st.store.SetPlain(vars.WorkflowScope, vars.MapResults, resultVals)
	s.logger.Infof("Map phase aggregate: total=%d successful=%d failed=%d", total, succeeded, failed)
}

func (s *JobService) runReduce(ctx context.Context, job models.Job, wf models.Workflow, st *jobState) error {
	if len(wf.Reduce) == 0 {
		return nil
	}
	if err := s.store.UpdateJobStatus(job.ID, models.RunningJobStatus, models.ReducePhase); err != nil {
		return err
	}
	reduceStore := st.store.ReduceView()
	st.mu.Lock()
	start := st.reduceStep
	st.mu.Unlock()
	res := s.interp.RunPhase(ctx, "reduce", wf.Reduce, start, s.cfg.BaseRepo, reduceStore, func(next int) {
		st.mu.Lock()
		st.reduceStep = next
		st.mu.Unlock()
		s.saveCheckpoint(st)
	})
	switch res.Status {
	case interpreter.CompletedPhase:
		return nil
	case interpreter.AbortedPhase:
		return res.Err
	default:
		return errors.Wrapf(res.Err, "reduce phase failed at %s", res.FailedStep)
	}
}

// materializeItems resolves the map input reference into the work item
// collection. Item ids derive from position so they are stable across resume.
func (s *JobService) materializeItems(input string, store *vars.Store) ([]models.WorkItem, error) {
	if !store.Has(input) {
		return nil, errors.Errorf("map input %q was not captured by any setup step", input)
	}
	val, err := store.Get(input)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot materialize map input %q", input)
	}
	coll, ok := val.([]interface{})
	if !ok {
		return nil, errors.Errorf("map input %q is not a collection", input)
	}
	items := make([]models.WorkItem, len(coll))
	for i, el := range coll {
		payload, err := json.Marshal(el)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode item %d of input %q", i, input)
		}
		items[i] = models.WorkItem{
			ID:      fmt.Sprintf("item-%d", i),
			Index:   i,
			Payload: payload,
		}
	}
	return items, nil
}

// fail attempts a final checkpoint before reporting the failure to the caller.
func (s *JobService) fail(ctx context.Context, job models.Job, st *jobState, cause error) (models.Job, error) {
	s.saveCheckpoint(st)
	if ctx.Err() != nil {
		return s.interrupt(job, st, cause)
	}
	if err := s.store.UpdateJobStatus(job.ID, models.FailedJobStatus, job.Phase); err != nil {
		s.logger.Errorf("Failed to mark job %s failed: %v", job.ID, err)
	}
	job.Status = models.FailedJobStatus
	return job, cause
}

// interrupt records a stop signal: the job stays resumable.
func (s *JobService) interrupt(job models.Job, st *jobState, cause error) (models.Job, error) {
	s.saveCheckpoint(st)
	if err := s.store.UpdateJobStatus(job.ID, models.InterruptedJobStatus, job.Phase); err != nil {
		s.logger.Errorf("Failed to mark job %s interrupted: %v", job.ID, err)
	}
	job.Status = models.InterruptedJobStatus
	s.logger.Infof("Job %s interrupted, resumable from checkpoint", job.ID)
	return job, cause
}

func (s *JobService) saveCheckpoint(st *jobState) {
	if err := s.ckpts.Save(st.snapshot()); err != nil {
		s.logger.Errorf("Checkpoint for job %s failed: %v", st.jobID, err)
	}
}
