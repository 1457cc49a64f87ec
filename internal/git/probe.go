package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ProbeOutcome summarises a conflict probe.
type ProbeOutcome string

const (
	// ProbeClear means the operation would apply without conflicts.
	ProbeClear ProbeOutcome = "clear"
	// ProbeConflict means git reported a content conflict.
	ProbeConflict ProbeOutcome = "conflict"
	// ProbeInconclusive means the probe could not run. It must not be read as
	// clear to merge.
	ProbeInconclusive ProbeOutcome = "inconclusive"
)

// ProbeResult is the immutable outcome of one probe.
type ProbeResult struct {
	Outcome          ProbeOutcome `json:"outcome" yaml:"outcome"`
	HasConflict      bool         `json:"has_conflict" yaml:"has_conflict"`
	ConflictingPaths []string     `json:"conflicting_paths" yaml:"conflicting_paths"`
	Diagnostic       string       `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

// Inconclusive reports whether the probe failed to reach a verdict.
func (r ProbeResult) Inconclusive() bool {
	return r.Outcome == ProbeInconclusive
}

func inconclusive(format string, args ...any) ProbeResult {
	return ProbeResult{Outcome: ProbeInconclusive, Diagnostic: fmt.Sprintf(format, args...)}
}

// probeIdentity lets scratch commits be created without touching user config.
var probeIdentity = []string{"-c", "user.name=branchflow", "-c", "user.email=branchflow@localhost"}

// Prober simulates merges and cherry-picks in a throwaway worktree. The
// repository's own working tree, index and HEAD are left untouched whatever
// the outcome, and no MERGE_HEAD or CHERRY_PICK_HEAD survives a probe.
type Prober struct {
	reader *Reader
	log    *slog.Logger

	// BaseDir holds scratch worktrees. os.TempDir() is used when empty.
	BaseDir string

	// SkipFetch disables the best-effort fetch of the target before probing.
	SkipFetch bool
}

// NewProber returns a Prober for the repository behind reader.
func NewProber(reader *Reader, logger *slog.Logger) *Prober {
	return &Prober{reader: reader, log: logger}
}

// ProbeMerge attempts `merge --no-commit --no-ff` of the target branch into
// the current HEAD and always aborts afterwards.
func (p *Prober) ProbeMerge(ctx context.Context, target string) (ProbeResult, error) {
	var result ProbeResult
	err := p.reader.runner.WithLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.probeMerge(ctx, target)
		return err
	})
	return result, err
}

func (p *Prober) probeMerge(ctx context.Context, target string) (ProbeResult, error) {
	if err := p.fetch(ctx, target); err != nil {
		return ProbeResult{}, err
	}

	targetRef, err := p.resolve(ctx, target, true)
	if err != nil {
		return ProbeResult{}, err
	}
	if targetRef == "" {
		return inconclusive("target branch %q could not be resolved", target), nil
	}

	wt, err := addScratchWorktree(ctx, p.reader.runner, p.BaseDir, "HEAD")
	if err != nil {
		return p.setupFailure(err)
	}
	defer p.cleanup(wt)

	args := append(append([]string{}, probeIdentity...), "merge", "--no-commit", "--no-ff", targetRef)
	out, mergeErr := wt.git.Run(ctx, args...)
	defer p.abort(wt, "merge")

	return p.evaluate(ctx, wt, out, mergeErr)
}

// ProbeCherryPick replays the commits unique to source onto target and
// reports the paths that would conflict.
func (p *Prober) ProbeCherryPick(ctx context.Context, source, target string) (ProbeResult, error) {
	var result ProbeResult
	err := p.reader.runner.WithLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.probeCherryPick(ctx, source, target)
		return err
	})
	return result, err
}

func (p *Prober) probeCherryPick(ctx context.Context, source, target string) (ProbeResult, error) {
	if err := p.fetch(ctx, target); err != nil {
		return ProbeResult{}, err
	}

	sourceRef, err := p.resolve(ctx, source, false)
	if err != nil {
		return ProbeResult{}, err
	}
	if sourceRef == "" {
		return inconclusive("source branch %q could not be resolved", source), nil
	}
	targetRef, err := p.resolve(ctx, target, true)
	if err != nil {
		return ProbeResult{}, err
	}
	if targetRef == "" {
		return inconclusive("target branch %q could not be resolved", target), nil
	}

	revs, err := p.reader.runner.Run(ctx, "rev-list", "--reverse", "--no-merges", targetRef+".."+sourceRef)
	if err != nil {
		return p.setupFailure(err)
	}
	commits := splitLines(revs.Stdout)
	if len(commits) == 0 {
		return ProbeResult{
			Outcome:    ProbeClear,
			Diagnostic: fmt.Sprintf("%s has no commits missing from %s", source, target),
		}, nil
	}

	wt, err := addScratchWorktree(ctx, p.reader.runner, p.BaseDir, targetRef)
	if err != nil {
		return p.setupFailure(err)
	}
	defer p.cleanup(wt)

	args := append(append([]string{}, probeIdentity...), "cherry-pick", "--keep-redundant-commits")
	args = append(args, commits...)
	out, pickErr := wt.git.Run(ctx, args...)
	defer p.abort(wt, "cherry-pick")

	return p.evaluate(ctx, wt, out, pickErr)
}

// evaluate turns the outcome of the merge or cherry-pick into a ProbeResult.
func (p *Prober) evaluate(ctx context.Context, wt *scratchWorktree, out Output, opErr error) (ProbeResult, error) {
	if opErr == nil {
		return ProbeResult{Outcome: ProbeClear, Diagnostic: joinOutput(out)}, nil
	}
	if isFatal(opErr) {
		return ProbeResult{}, opErr
	}

	diagnostic := joinOutput(out)
	if diagnostic == "" {
		diagnostic = opErr.Error()
	}

	paths, err := unmergedPaths(ctx, wt.git)
	if err != nil && isFatal(err) {
		return ProbeResult{}, err
	}

	if len(paths) > 0 || hasConflictMarker(diagnostic) {
		return ProbeResult{
			Outcome:          ProbeConflict,
			HasConflict:      true,
			ConflictingPaths: paths,
			Diagnostic:       diagnostic,
		}, nil
	}
	return ProbeResult{Outcome: ProbeInconclusive, Diagnostic: diagnostic}, nil
}

func unmergedPaths(ctx context.Context, git *Runner) ([]string, error) {
	out, err := git.Run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out.Stdout), nil
}

// abort clears any pending merge or cherry-pick in the scratch worktree. It
// runs on a fresh context so a timed out probe still cleans up.
func (p *Prober) abort(wt *scratchWorktree, op string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	_, err := wt.git.Run(ctx, op, "--abort")
	if err == nil {
		return
	}
	out := strings.ToLower(stateErrorOutput(err))
	if strings.Contains(out, "no merge to abort") ||
		strings.Contains(out, "no cherry-pick") ||
		strings.Contains(out, "merge_head missing") {
		return
	}
	if p.log != nil {
		p.log.Warn("probe abort failed", "operation", op, "error", err)
	}
}

func (p *Prober) cleanup(wt *scratchWorktree) {
	if err := wt.remove(); err != nil && p.log != nil {
		p.log.Warn("probe worktree cleanup failed", "path", wt.path, "error", err)
	}
}

func (p *Prober) setupFailure(err error) (ProbeResult, error) {
	if isFatal(err) {
		return ProbeResult{}, err
	}
	return inconclusive("probe could not run: %v", err), nil
}

func (p *Prober) fetch(ctx context.Context, branch string) error {
	if p.SkipFetch || !p.reader.HasRemote(ctx) {
		return nil
	}
	if err := p.reader.Fetch(ctx, branch); err != nil {
		if isFatal(err) {
			return err
		}
		if p.log != nil {
			p.log.Warn("fetch before probe failed; using local refs", "branch", branch, "error", err)
		}
	}
	return nil
}

// resolve maps a branch name to a fully qualified ref, preferring the
// remote-tracking ref when preferRemote is set. An empty ref with a nil error
// means the branch does not exist.
func (p *Prober) resolve(ctx context.Context, branch string, preferRemote bool) (string, error) {
	local := "refs/heads/" + branch
	remote := "refs/remotes/" + p.reader.remote + "/" + branch
	candidates := []string{local, remote, branch}
	if preferRemote {
		candidates = []string{remote, local, branch}
	}
	for _, ref := range candidates {
		_, err := p.reader.runner.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
		if err == nil {
			return ref, nil
		}
		if isFatal(err) {
			return "", err
		}
	}
	return "", nil
}

// isFatal separates failures that abort the probe (timeouts, cancellation)
// from ones that merely make it inconclusive.
func isFatal(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
