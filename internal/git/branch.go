package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// ErrNothingToCommit is returned by Commit when the working tree is clean.
var ErrNothingToCommit = errors.New("git: nothing to commit")

// Branch is a local or remote-tracking branch.
type Branch struct {
	Name    string `json:"name" yaml:"name"`
	Remote  bool   `json:"remote" yaml:"remote"`
	Current bool   `json:"current" yaml:"current"`
}

// Branches lists local branches followed by branches of the reader's remote.
// Remote names are returned without the remote prefix.
func (r *Reader) Branches(ctx context.Context) ([]Branch, error) {
	out, err := r.runner.Run(ctx, "for-each-ref",
		"--format=%(HEAD)%(refname)",
		"refs/heads", "refs/remotes/"+r.remote)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	remotePrefix := "refs/remotes/" + r.remote + "/"
	var branches []Branch
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		current := strings.HasPrefix(line, "*")
		ref := strings.TrimLeft(line, "* ")

		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			branches = append(branches, Branch{Name: strings.TrimPrefix(ref, "refs/heads/"), Current: current})
		case strings.HasPrefix(ref, remotePrefix):
			name := strings.TrimPrefix(ref, remotePrefix)
			if name == "HEAD" {
				continue
			}
			branches = append(branches, Branch{Name: name, Remote: true})
		}
	}
	return branches, nil
}

// MatchBranches ranks branch names by fuzzy similarity to query. Duplicate
// names (a local branch and its remote counterpart) are collapsed.
func MatchBranches(query string, branches []Branch) []string {
	seen := make(map[string]struct{}, len(branches))
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		if _, ok := seen[b.Name]; ok {
			continue
		}
		seen[b.Name] = struct{}{}
		names = append(names, b.Name)
	}
	sort.Strings(names)

	if strings.TrimSpace(query) == "" {
		return names
	}

	for _, name := range names {
		if name == query {
			return []string{name}
		}
	}

	matches := fuzzy.Find(query, names)
	result := make([]string, 0, len(matches))
	for _, m := range matches {
		result = append(result, m.Str)
	}
	return result
}

// Checkout switches the working tree to branch. A branch that exists only on
// the remote is created locally with tracking.
func (r *Reader) Checkout(ctx context.Context, branch string) error {
	return r.runner.WithLock(ctx, func(ctx context.Context) error {
		if _, err := r.runner.Run(ctx, "checkout", branch); err == nil {
			return nil
		} else if !isMissingPathspec(err) {
			return fmt.Errorf("git checkout %s: %w", branch, err)
		}
		ref := r.remote + "/" + branch
		if _, err := r.runner.Run(ctx, "checkout", "-b", branch, "--track", ref); err != nil {
			return fmt.Errorf("git checkout %s: %w", branch, err)
		}
		return nil
	})
}

// CreateBranch creates and checks out branch starting at base. An empty base
// branches off HEAD.
func (r *Reader) CreateBranch(ctx context.Context, branch, base string) error {
	if strings.TrimSpace(branch) == "" {
		return fmt.Errorf("branch name is required")
	}
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	return r.runner.WithLock(ctx, func(ctx context.Context) error {
		if _, err := r.runner.Run(ctx, args...); err != nil {
			return fmt.Errorf("git checkout -b %s: %w", branch, err)
		}
		return nil
	})
}

// Commit stages every change and records a commit with message.
func (r *Reader) Commit(ctx context.Context, message string) error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return fmt.Errorf("commit message is required")
	}
	return r.runner.WithLock(ctx, func(ctx context.Context) error {
		if _, err := r.runner.Run(ctx, "add", "-A"); err != nil {
			return fmt.Errorf("git add: %w", err)
		}
		staged, err := r.runner.Run(ctx, "diff", "--cached", "--name-only")
		if err != nil {
			return fmt.Errorf("git diff --cached: %w", err)
		}
		if strings.TrimSpace(staged.Stdout) == "" {
			return ErrNothingToCommit
		}
		if _, err := r.runner.Run(ctx, "commit", "-m", msg); err != nil {
			return fmt.Errorf("git commit: %w", err)
		}
		return nil
	})
}

// Push publishes branch to the reader's remote, setting upstream tracking
// when setUpstream is true.
func (r *Reader) Push(ctx context.Context, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "-u")
	}
	args = append(args, r.remote, branch)
	return r.runner.WithLock(ctx, func(ctx context.Context) error {
		if _, err := r.runner.Run(ctx, args...); err != nil {
			return fmt.Errorf("git push %s: %w", branch, err)
		}
		return nil
	})
}

// Fetch updates the remote-tracking ref for branch. A branch missing on the
// remote is not an error.
func (r *Reader) Fetch(ctx context.Context, branch string) error {
	_, err := r.runner.Run(ctx, "fetch", r.remote, branch)
	if err != nil && !isMissingRemoteBranch(err) {
		return fmt.Errorf("git fetch %s: %w", branch, err)
	}
	return nil
}

// HasRemote reports whether the reader's remote is configured.
func (r *Reader) HasRemote(ctx context.Context) bool {
	_, err := r.runner.Run(ctx, "remote", "get-url", r.remote)
	return err == nil
}

func isMissingPathspec(err error) bool {
	out := stateErrorOutput(err)
	return strings.Contains(out, "did not match any file(s) known to git") ||
		strings.Contains(out, "invalid reference")
}
