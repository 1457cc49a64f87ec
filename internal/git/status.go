package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ChangeKind classifies a porcelain status entry. Codes outside the known set
// are carried through verbatim, e.g. ChangeKind("UU") for an unmerged path.
type ChangeKind string

const (
	ChangeModified  ChangeKind = "modified"
	ChangeAdded     ChangeKind = "added"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUntracked ChangeKind = "untracked"
	ChangeRenamed   ChangeKind = "renamed"
)

// FileStatus is one line of `git status --porcelain`.
type FileStatus struct {
	Path     string     `json:"path" yaml:"path"`
	OrigPath string     `json:"orig_path,omitempty" yaml:"orig_path,omitempty"`
	Kind     ChangeKind `json:"kind" yaml:"kind"`
	Code     string     `json:"code" yaml:"code"`
}

// UpstreamInfo describes the relation between the current branch and its
// upstream. HasUpstream is false when no upstream is configured, which is a
// different condition from having nothing to push.
type UpstreamInfo struct {
	HasUpstream bool   `json:"has_upstream" yaml:"has_upstream"`
	Upstream    string `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Ahead       int    `json:"ahead" yaml:"ahead"`
	Behind      int    `json:"behind" yaml:"behind"`
}

// RepositoryStatus is a point-in-time snapshot of the working tree. It is
// never cached; callers re-read before acting.
type RepositoryStatus struct {
	CurrentBranch      string       `json:"current_branch" yaml:"current_branch"`
	IsDirty            bool         `json:"is_dirty" yaml:"is_dirty"`
	HasUnpushedCommits bool         `json:"has_unpushed_commits" yaml:"has_unpushed_commits"`
	Upstream           UpstreamInfo `json:"upstream" yaml:"upstream"`
	ModifiedFiles      []FileStatus `json:"modified_files" yaml:"modified_files"`
}

// Detached reports whether HEAD is not on a branch.
func (s RepositoryStatus) Detached() bool {
	return s.CurrentBranch == ""
}

// Reader exposes read-only repository queries plus the handful of mutating
// commands the workflow needs. All parsing of git's text output lives here.
type Reader struct {
	runner *Runner
	remote string
}

// NewReader returns a Reader issuing commands through runner. remote defaults
// to "origin".
func NewReader(runner *Runner, remote string) *Reader {
	if remote == "" {
		remote = "origin"
	}
	return &Reader{runner: runner, remote: remote}
}

// Runner returns the underlying command runner.
func (r *Reader) Runner() *Runner {
	return r.runner
}

// Remote returns the configured remote name.
func (r *Reader) Remote() string {
	return r.remote
}

// CurrentBranch returns the checked-out branch, or "" for a detached HEAD.
func (r *Reader) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.runner.Run(ctx, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("read current branch: %w", err)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// Status lists changed paths in porcelain order.
func (r *Reader) Status(ctx context.Context) ([]FileStatus, error) {
	out, err := r.runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	return ParsePorcelain(out.Stdout), nil
}

// PorcelainStatus returns the raw `git status --porcelain` text.
func (r *Reader) PorcelainStatus(ctx context.Context) (string, error) {
	out, err := r.runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return out.Stdout, nil
}

// Upstream compares the current branch with its upstream.
func (r *Reader) Upstream(ctx context.Context) (UpstreamInfo, error) {
	out, err := r.runner.Run(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil {
		if isNoUpstream(err) {
			return UpstreamInfo{}, nil
		}
		return UpstreamInfo{}, fmt.Errorf("resolve upstream: %w", err)
	}

	info := UpstreamInfo{HasUpstream: true, Upstream: strings.TrimSpace(out.Stdout)}

	counts, err := r.runner.Run(ctx, "rev-list", "--left-right", "--count", "HEAD...@{u}")
	if err != nil {
		return UpstreamInfo{}, fmt.Errorf("count unpushed commits: %w", err)
	}
	fields := strings.Fields(counts.Stdout)
	if len(fields) != 2 {
		return UpstreamInfo{}, fmt.Errorf("unexpected rev-list output %q", counts.Stdout)
	}
	if info.Ahead, err = strconv.Atoi(fields[0]); err != nil {
		return UpstreamInfo{}, fmt.Errorf("parse ahead count: %w", err)
	}
	if info.Behind, err = strconv.Atoi(fields[1]); err != nil {
		return UpstreamInfo{}, fmt.Errorf("parse behind count: %w", err)
	}
	return info, nil
}

// Snapshot combines branch, file status and upstream state.
func (r *Reader) Snapshot(ctx context.Context) (RepositoryStatus, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return RepositoryStatus{}, err
	}
	files, err := r.Status(ctx)
	if err != nil {
		return RepositoryStatus{}, err
	}

	status := RepositoryStatus{
		CurrentBranch: branch,
		IsDirty:       len(files) > 0,
		ModifiedFiles: files,
	}
	if branch == "" {
		return status, nil
	}

	upstream, err := r.Upstream(ctx)
	if err != nil {
		return RepositoryStatus{}, err
	}
	status.Upstream = upstream
	status.HasUnpushedCommits = upstream.HasUpstream && upstream.Ahead > 0
	return status, nil
}

// Tags returns tag names, most recently created first. A limit of zero or
// less returns every tag.
func (r *Reader) Tags(ctx context.Context, limit int) ([]string, error) {
	out, err := r.runner.Run(ctx, "tag", "--list", "--sort=-creatordate")
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	tags := splitLines(out.Stdout)
	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return tags, nil
}

// RemoteURL returns the fetch URL of remote, or of the reader's default remote
// when remote is empty.
func (r *Reader) RemoteURL(ctx context.Context, remote string) (string, error) {
	if remote == "" {
		remote = r.remote
	}
	out, err := r.runner.Run(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", fmt.Errorf("read remote url: %w", err)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// ParsePorcelain parses `git status --porcelain` (v1) output.
func ParsePorcelain(raw string) []FileStatus {
	var files []FileStatus
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		entry := FileStatus{Code: code, Kind: classifyCode(code)}

		path := line[3:]
		if entry.Kind == ChangeRenamed || strings.ContainsAny(code, "RC") {
			if orig, dest, ok := strings.Cut(path, " -> "); ok {
				entry.OrigPath = unquotePath(orig)
				path = dest
			}
		}
		entry.Path = unquotePath(path)
		files = append(files, entry)
	}
	return files
}

func classifyCode(code string) ChangeKind {
	if code == "??" {
		return ChangeUntracked
	}
	if strings.Contains(code, "U") || code == "AA" || code == "DD" {
		return ChangeKind(code)
	}

	c := code[0]
	if c == ' ' {
		c = code[1]
	}
	switch c {
	case 'M':
		return ChangeModified
	case 'A':
		return ChangeAdded
	case 'D':
		return ChangeDeleted
	case 'R':
		return ChangeRenamed
	default:
		return ChangeKind(strings.TrimSpace(code))
	}
}

func unquotePath(p string) string {
	if len(p) >= 2 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
		if unquoted, err := strconv.Unquote(p); err == nil {
			return unquoted
		}
	}
	return p
}

func splitLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
