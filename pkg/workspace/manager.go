package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/pkg/models"
)

// Logger defines the logging interface for the Manager
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Workspace is one private execution context branched from the shared base.
// It is owned by exactly one agent execution at a time.
type Workspace struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	AgentID   string    `json:"agent_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictStrategy resolves a failed merge. Resolution happens against the
// base repository; returning an error fails the owning agent execution.
type ConflictStrategy interface {
	Name() string
	// MergeArgs are extra arguments for the merge attempt itself.
	MergeArgs() []string
	// Resolve is invoked after a conflicted merge was aborted.
	Resolve(ctx context.Context, git GitOps, repo, branch string) error
}

// FailStrategy gives up on any conflict. It is the default.
type FailStrategy struct{}

func (FailStrategy) Name() string      { return "fail" }
func (FailStrategy) MergeArgs() []string { return nil }
func (FailStrategy) Resolve(ctx context.Context, git GitOps, repo, branch string) error {
	return errors.Wrapf(ErrMergeConflict, "branch %s", branch)
}

// PreferNewestStrategy retries the merge taking the workspace's side.
type PreferNewestStrategy struct{}

func (PreferNewestStrategy) Name() string      { return "prefer_newest" }
func (PreferNewestStrategy) MergeArgs() []string { return nil }
func (PreferNewestStrategy) Resolve(ctx context.Context, git GitOps, repo, branch string) error {
	return git.MergeBranch(ctx, repo, branch, []string{"-X", "theirs"})
}

// Manager creates, merges and destroys isolated workspaces for one job.
// Creation is serialized so no two agents ever share a path; everything else
// locks per call, not per workspace.
type Manager struct {
	git      GitOps
	baseRepo string
	root     string
	jobID    string
	strategy ConflictStrategy
	logger   Logger

	mu     sync.Mutex
	active map[string]*Workspace
	seq    int

	// mergeMu serializes merges into the shared base checkout; concurrent
	// git merges there fight over the index.
	mergeMu sync.Mutex
}

func NewManager(git GitOps, baseRepo, root, jobID string, strategy ConflictStrategy, logger Logger) *Manager {
	if strategy == nil {
		strategy = FailStrategy{}
	}
	return &Manager{
		git:      git,
		baseRepo: baseRepo,
		root:     root,
		jobID:    jobID,
		strategy: strategy,
		logger:   logger,
		active:   make(map[string]*Workspace),
	}
}

// Create branches a fresh workspace for the given agent. Safe for concurrent
// callers; each gets a unique path and branch.
func (m *Manager) Create(ctx context.Context, agentID string) (*Workspace, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s-ws-%d", m.jobID, m.seq)
	m.mu.Unlock()

	ws := &Workspace{
		ID:        id,
		JobID:     m.jobID,
		AgentID:   agentID,
		Path:      filepath.Join(m.root, id),
		Branch:    "mapflow/" + id,
		CreatedAt: time.Now(),
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create workspace root")
	}
	if err := m.git.CreateWorktree(ctx, m.baseRepo, ws.Path, ws.Branch); err != nil {
		return nil, errors.Wrapf(err, "failed to create workspace for agent %s", agentID)
	}
	if err := m.writeMeta(ws); err != nil {
		m.logger.Warnf("Failed to write workspace metadata for %s: %v", ws.ID, err)
	}

	m.mu.Lock()
	m.active[ws.ID] = ws
	m.mu.Unlock()
	m.logger.Infof("Created workspace %s at %s", ws.ID, ws.Path)
	return ws, nil
}

// Merge applies the workspace's changes onto the shared base. On conflict the
// configured strategy gets one shot at resolution; if it cannot complete the
// agent execution fails with a WorkspaceConflict. One merge mutates the base
// at a time; concurrent callers queue here.
func (m *Manager) Merge(ctx context.Context, ws *Workspace) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	err := m.git.MergeBranch(ctx, m.baseRepo, ws.Branch, m.strategy.MergeArgs())
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrMergeConflict) {
		return &models.WorkspaceConflict{Workspace: ws.ID, Cause: err}
	}
	m.logger.Warnf("Merge conflict on workspace %s, applying %q strategy", ws.ID, m.strategy.Name())
	if resErr := m.strategy.Resolve(ctx, m.git, m.baseRepo, ws.Branch); resErr != nil {
		return &models.WorkspaceConflict{Workspace: ws.ID, Cause: resErr}
	}
	return nil
}

// Destroy removes the workspace and its branch. Locked or in-use files are
// reported as a CleanupFailure and the workspace stays discoverable through
// ListOrphaned; Destroy never panics the caller.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	delete(m.active, ws.ID)
	m.mu.Unlock()

	if err := m.git.RemoveWorktree(ctx, m.baseRepo, ws.Path, true); err != nil {
		m.logger.Errorf("Failed to remove workspace %s: %v", ws.ID, err)
		return &models.CleanupFailure{Workspace: ws.ID, Cause: err}
	}
	if err := m.git.DeleteBranch(ctx, m.baseRepo, ws.Branch); err != nil {
		m.logger.Warnf("Failed to delete branch %s: %v", ws.Branch, err)
	}
	if err := os.Remove(m.metaPath(ws.ID)); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to remove workspace metadata for %s: %v", ws.ID, err)
	}
	m.logger.Infof("Destroyed workspace %s", ws.ID)
	return nil
}

// ListOrphaned scans the workspace root for this job's workspaces whose
// owning agent execution no longer exists. Other jobs' workspaces are left
// alone; they may be live in another process.
func (m *Manager) ListOrphaned() ([]Workspace, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to scan workspace root")
	}

	m.mu.Lock()
	activeIDs := make(map[string]struct{}, len(m.active))
	for id := range m.active {
		activeIDs[id] = struct{}{}
	}
	m.mu.Unlock()

	var orphans []Workspace
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name()))
		if err != nil {
			continue
		}
		var ws Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			m.logger.Warnf("Skipping unreadable workspace metadata %s: %v", e.Name(), err)
			continue
		}
		if ws.JobID != m.jobID {
			continue
		}
		if _, ok := activeIDs[ws.ID]; ok {
			continue
		}
		orphans = append(orphans, ws)
	}
	return orphans, nil
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.root, id+".meta.json")
}

func (m *Manager) writeMeta(ws *Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(ws.ID), data, 0o644)
}
