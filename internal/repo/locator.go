// Package repo finds the repository a command runs in and works out which
// hosted project its remote points at.
package repo

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/rancher/branchflow/internal/forge"
)

// ErrNoRemote is returned when the requested remote is not configured.
var ErrNoRemote = errors.New("remote not configured")

// Project identifies a hosted project parsed from a remote URL.
type Project struct {
	Host string `json:"host" yaml:"host"`
	// Path is the namespaced project path, e.g. "group/subgroup/app".
	Path     string `json:"path" yaml:"path"`
	Provider string `json:"provider" yaml:"provider"`
}

// BaseURL returns the web root of the hosting service.
func (p Project) BaseURL() string {
	if p.Host == "" {
		return ""
	}
	return "https://" + p.Host
}

// Location describes the repository a command runs in.
type Location struct {
	Root      string  `json:"root" yaml:"root"`
	Branch    string  `json:"branch" yaml:"branch"`
	RemoteURL string  `json:"remote_url" yaml:"remote_url"`
	Project   Project `json:"project" yaml:"project"`
}

// Locate opens the repository containing dir, walking up to the nearest
// .git, and reads remote from it.
func Locate(dir, remote string) (Location, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Location{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	r, err := gogit.PlainOpenWithOptions(abs, &gogit.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err != nil {
		return Location{}, fmt.Errorf("open repository at %s: %w", abs, err)
	}
	loc, err := Inspect(r, remote)
	if err != nil && !errors.Is(err, ErrNoRemote) {
		return Location{}, err
	}
	if wt, wtErr := r.Worktree(); wtErr == nil {
		loc.Root = wt.Filesystem.Root()
	}
	return loc, err
}

// Inspect reads the checked-out branch and the project behind remote from an
// already opened repository. The returned Location is still populated when
// the error is ErrNoRemote.
func Inspect(r *gogit.Repository, remote string) (Location, error) {
	if remote == "" {
		remote = "origin"
	}

	var loc Location
	head, err := r.Head()
	switch {
	case err == nil:
		if head.Name().IsBranch() {
			loc.Branch = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// unborn branch: HEAD is symbolic but has no commit yet
		if ref, refErr := r.Reference(plumbing.HEAD, false); refErr == nil && ref.Target().IsBranch() {
			loc.Branch = ref.Target().Short()
		}
	default:
		return Location{}, fmt.Errorf("read HEAD: %w", err)
	}

	rem, err := r.Remote(remote)
	if err != nil {
		if errors.Is(err, gogit.ErrRemoteNotFound) {
			return loc, fmt.Errorf("%w: %s", ErrNoRemote, remote)
		}
		return Location{}, fmt.Errorf("read remote %s: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return loc, fmt.Errorf("%w: %s has no URL", ErrNoRemote, remote)
	}
	loc.RemoteURL = urls[0]

	project, err := ParseRemoteURL(loc.RemoteURL)
	if err != nil {
		return Location{}, err
	}
	loc.Project = project
	return loc, nil
}

// ParseRemoteURL understands scp-style (git@host:group/app.git), ssh:// and
// http(s):// remotes. Credentials and ports are dropped.
func ParseRemoteURL(raw string) (Project, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Project{}, fmt.Errorf("empty remote url")
	}

	var host, path string
	if !strings.Contains(raw, "://") {
		at := strings.LastIndex(raw, "@")
		rest := raw[at+1:]
		h, p, ok := strings.Cut(rest, ":")
		if !ok {
			return Project{}, fmt.Errorf("unrecognised remote url %q", raw)
		}
		host, path = h, p
	} else {
		u, err := url.Parse(raw)
		if err != nil {
			return Project{}, fmt.Errorf("parse remote url %q: %w", raw, err)
		}
		if u.Scheme == "file" {
			return Project{}, fmt.Errorf("remote %q is a local path", raw)
		}
		host, path = u.Hostname(), u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || !strings.Contains(path, "/") {
		return Project{}, fmt.Errorf("remote url %q does not name a project", raw)
	}

	return Project{Host: strings.ToLower(host), Path: path, Provider: ProviderForHost(host)}, nil
}

// ProviderForHost guesses the forge behind host. Anything that is not
// recognisably GitHub is assumed to be a GitLab instance.
func ProviderForHost(host string) string {
	host = strings.ToLower(host)
	if host == "github.com" || strings.HasPrefix(host, "github.") || strings.Contains(host, ".github.") {
		return forge.ProviderGitHub
	}
	return forge.ProviderGitLab
}
