package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const cleanupTimeout = 30 * time.Second

// scratchWorktree is a detached worktree that probes operate in so the user's
// working tree and index are never touched.
type scratchWorktree struct {
	parent string
	path   string
	git    *Runner
	owner  *Runner
}

func addScratchWorktree(ctx context.Context, owner *Runner, baseDir, ref string) (*scratchWorktree, error) {
	parent, err := os.MkdirTemp(baseDir, "branchflow-probe-")
	if err != nil {
		return nil, fmt.Errorf("create probe directory: %w", err)
	}
	path := filepath.Join(parent, "tree")

	if _, err := owner.Run(ctx, "worktree", "add", "--detach", path, ref); err != nil {
		_ = os.RemoveAll(parent)
		_, _ = owner.Run(context.Background(), "worktree", "prune")
		return nil, fmt.Errorf("git worktree add %s: %w", ref, err)
	}

	scoped := *owner
	scoped.Dir = path

	return &scratchWorktree{parent: parent, path: path, git: &scoped, owner: owner}, nil
}

// remove deletes the worktree and its metadata. It deliberately ignores the
// caller's context so that it still runs after a timeout or cancellation.
func (w *scratchWorktree) remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	_, removeErr := w.owner.Run(ctx, "worktree", "remove", "--force", w.path)
	if err := os.RemoveAll(w.parent); err != nil && removeErr == nil {
		removeErr = err
	}
	if _, err := w.owner.Run(ctx, "worktree", "prune"); err != nil && removeErr == nil {
		removeErr = err
	}
	return removeErr
}
