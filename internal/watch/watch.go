// Package watch polls the repository and the forge in the background and
// reports what changed between polls.
package watch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

const (
	DefaultBranchInterval   = 5 * time.Second
	DefaultPipelineInterval = 30 * time.Second
	defaultPipelineLimit    = 20
)

// Watcher is a polling loop. Run returns nil once ctx is cancelled.
type Watcher interface {
	Run(ctx context.Context) error
}

// Run runs every watcher until ctx is cancelled or one of them fails.
func Run(ctx context.Context, watchers ...Watcher) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range watchers {
		if w == nil {
			continue
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// poll calls fn immediately and then on every tick until ctx ends.
func poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Snapshotter reads the repository state.
type Snapshotter interface {
	Snapshot(ctx context.Context) (git.RepositoryStatus, error)
}

// BranchChange is emitted when the checked-out branch or its dirty or
// unpushed flags change. The first poll always emits.
type BranchChange struct {
	Previous      string
	Current       string
	BranchChanged bool
	Category      policy.Category
	Status        git.RepositoryStatus
	Time          time.Time
}

// BranchWatcher polls the repository state.
type BranchWatcher struct {
	repo     Snapshotter
	policy   policy.Policy
	log      *slog.Logger
	Interval time.Duration
	OnChange func(BranchChange)

	seen bool
	last git.RepositoryStatus
}

// NewBranchWatcher returns a BranchWatcher using the default interval.
func NewBranchWatcher(repo Snapshotter, p policy.Policy, logger *slog.Logger, onChange func(BranchChange)) *BranchWatcher {
	return &BranchWatcher{repo: repo, policy: p, log: logger, Interval: DefaultBranchInterval, OnChange: onChange}
}

// Run implements Watcher.
func (w *BranchWatcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultBranchInterval
	}
	return poll(ctx, interval, w.check)
}

func (w *BranchWatcher) check(ctx context.Context) {
	status, err := w.repo.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil && w.log != nil {
			w.log.Warn("branch poll failed", "error", err)
		}
		return
	}

	branchChanged := !w.seen || status.CurrentBranch != w.last.CurrentBranch
	if !branchChanged && status.IsDirty == w.last.IsDirty && status.HasUnpushedCommits == w.last.HasUnpushedCommits {
		w.last = status
		return
	}

	change := BranchChange{
		Previous:      w.last.CurrentBranch,
		Current:       status.CurrentBranch,
		BranchChanged: branchChanged,
		Status:        status,
		Time:          time.Now(),
	}
	if status.CurrentBranch != "" {
		change.Category = w.policy.Classify(status.CurrentBranch)
	}
	w.seen = true
	w.last = status

	if w.log != nil && branchChanged {
		w.log.Info("branch changed", "from", change.Previous, "to", change.Current, "category", change.Category)
	}
	if w.OnChange != nil {
		w.OnChange(change)
	}
}

// PipelineLister lists pipelines.
type PipelineLister interface {
	ListPipelines(ctx context.Context, opts forge.ListPipelinesOptions) ([]forge.Pipeline, error)
}

// PipelineChange is emitted for a pipeline that is new or whose status
// changed. Initial marks changes found by the first poll.
type PipelineChange struct {
	Pipeline       forge.Pipeline
	PreviousStatus string
	Initial        bool
	Time           time.Time
}

// PipelineWatcher polls the most recent pipelines.
type PipelineWatcher struct {
	client   PipelineLister
	log      *slog.Logger
	Interval time.Duration
	// Ref selects the ref to watch on every poll; nil or "" watches all refs.
	Ref      func() string
	Limit    int
	OnChange func(PipelineChange)

	polled bool
	known  map[int64]string
}

// NewPipelineWatcher returns a PipelineWatcher using the default interval.
func NewPipelineWatcher(client PipelineLister, logger *slog.Logger, ref func() string, onChange func(PipelineChange)) *PipelineWatcher {
	return &PipelineWatcher{
		client:   client,
		log:      logger,
		Interval: DefaultPipelineInterval,
		Ref:      ref,
		Limit:    defaultPipelineLimit,
		OnChange: onChange,
	}
}

// Run implements Watcher.
func (w *PipelineWatcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPipelineInterval
	}
	return poll(ctx, interval, w.check)
}

func (w *PipelineWatcher) check(ctx context.Context) {
	opts := forge.ListPipelinesOptions{Limit: w.Limit}
	if opts.Limit <= 0 {
		opts.Limit = defaultPipelineLimit
	}
	if w.Ref != nil {
		opts.Ref = w.Ref()
	}

	pipelines, err := w.client.ListPipelines(ctx, opts)
	if err != nil {
		if ctx.Err() == nil && w.log != nil {
			w.log.Warn("pipeline poll failed", "ref", opts.Ref, "error", err)
		}
		return
	}

	if w.known == nil {
		w.known = make(map[int64]string)
	}
	initial := !w.polled
	w.polled = true

	// oldest first so callers see changes in the order they happened
	for i := len(pipelines) - 1; i >= 0; i-- {
		p := pipelines[i]
		prev, ok := w.known[p.ID]
		if ok && prev == p.Status {
			continue
		}
		w.known[p.ID] = p.Status
		if w.OnChange != nil {
			w.OnChange(PipelineChange{Pipeline: p, PreviousStatus: prev, Initial: initial, Time: time.Now()})
		}
	}
}
