package workspace

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// GitOps is the narrow git collaborator the manager needs: branch off a
// private worktree, merge it back, remove it. Anything richer stays outside.
type GitOps interface {
	CreateWorktree(ctx context.Context, repo, path, branch string) error
	MergeBranch(ctx context.Context, repo, branch string, mergeArgs []string) error
	RemoveWorktree(ctx context.Context, repo, path string, force bool) error
	DeleteBranch(ctx context.Context, repo, branch string) error
}

// ErrMergeConflict marks merges that need conflict resolution.
var ErrMergeConflict = errors.New("merge conflict")

type gitCLI struct{}

// NewGitCLI returns a GitOps backed by the git binary.
func NewGitCLI() GitOps {
	return gitCLI{}
}

func (gitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (g gitCLI) CreateWorktree(ctx context.Context, repo, path, branch string) error {
	_, err := g.run(ctx, repo, "worktree", "add", "-b", branch, path)
	return err
}

func (g gitCLI) MergeBranch(ctx context.Context, repo, branch string, mergeArgs []string) error {
	args := append([]string{"merge", "--no-edit"}, mergeArgs...)
	args = append(args, branch)
	out, err := g.run(ctx, repo, args...)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			// leave the tree clean for the next merge attempt
			_, _ = g.run(ctx, repo, "merge", "--abort")
			return errors.Wrap(ErrMergeConflict, strings.TrimSpace(out))
		}
		return err
	}
	return nil
}

func (g gitCLI) RemoveWorktree(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, repo, args...)
	return err
}

func (g gitCLI) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", "-D", branch)
	return err
}
