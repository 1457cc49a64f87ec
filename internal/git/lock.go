package git

import (
	"context"
	"path/filepath"
	"sync"
)

var repoLocks = struct {
	sync.Mutex
	m map[string]chan struct{}
}{m: make(map[string]chan struct{})}

// lockFor returns the advisory lock shared by every Runner pointing at the
// same repository directory.
func lockFor(dir string) chan struct{} {
	key := dir
	if abs, err := filepath.Abs(dir); err == nil {
		key = abs
	}
	if resolved, err := filepath.EvalSymlinks(key); err == nil {
		key = resolved
	}
	key = filepath.Clean(key)

	repoLocks.Lock()
	defer repoLocks.Unlock()

	sem, ok := repoLocks.m[key]
	if !ok {
		sem = make(chan struct{}, 1)
		repoLocks.m[key] = sem
	}
	return sem
}

// WithLock runs fn while holding the repository's advisory lock. Every chain
// of commands that mutates the working tree or index goes through here so that
// probes, commits and pushes never interleave. Waiting for the lock honours
// ctx; fn itself receives ctx unchanged.
func (r *Runner) WithLock(ctx context.Context, fn func(context.Context) error) error {
	sem := lockFor(r.Dir)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn(ctx)
}
