package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

const defaultWorkers = 4

// Repository is the slice of git.Reader the workflow needs.
type Repository interface {
	Snapshot(ctx context.Context) (git.RepositoryStatus, error)
	Push(ctx context.Context, branch string, setUpstream bool) error
}

// Prober runs the sync conflict probe.
type Prober interface {
	ProbeCherryPick(ctx context.Context, source, target string) (git.ProbeResult, error)
}

// Prompter asks the user whether the proposed sync merge request should be
// opened. It runs on the caller's context and may block for as long as the
// user takes.
type Prompter interface {
	ConfirmSync(ctx context.Context, proposal policy.SyncProposal) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, proposal policy.SyncProposal) (bool, error)

// ConfirmSync implements Prompter.
func (f PrompterFunc) ConfirmSync(ctx context.Context, proposal policy.SyncProposal) (bool, error) {
	return f(ctx, proposal)
}

// Recorder persists finished tasks.
type Recorder interface {
	Record(ctx context.Context, result Result, err error) error
}

// Orchestrator drives the push, merge request and sync workflow. Each
// submission runs on its own goroutine; blocking steps share a bounded pool.
type Orchestrator struct {
	source   ConfigSource
	repo     Repository
	prober   Prober
	client   forge.Client
	prompter Prompter
	log      *slog.Logger

	recorder Recorder
	observer func(Event)
	newID    func() string
	now      func() time.Time
	pool     *semaphore.Weighted
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists every finished task.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithWorkers bounds how many blocking steps run at once across all tasks.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithObserver registers a callback invoked synchronously for every event of
// every task, in addition to the per-task channel.
func WithObserver(fn func(Event)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithIDGenerator replaces the task ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New returns a configured Orchestrator. A nil prompter declines every sync
// proposal.
func New(source ConfigSource, repo Repository, prober Prober, client forge.Client, prompter Prompter, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		repo:     repo,
		prober:   prober,
		client:   client,
		prompter: prompter,
		log:      logger,
		newID:    uuid.NewString,
		now:      time.Now,
		pool:     semaphore.NewWeighted(defaultWorkers),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit starts a workflow for the checked-out branch and returns at once.
// Cancelling ctx, like Handle.Cancel, stops the task before its next step
// and aborts a pending prompt.
func (o *Orchestrator) Submit(ctx context.Context, req Request) *Handle {
	h := newHandle(o.newID())
	go o.run(ctx, h, req)
	return h
}

// Run submits req and waits for the outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	h := o.Submit(ctx, req)
	<-h.Done()
	return h.Wait(context.WithoutCancel(ctx))
}

type task struct {
	o      *Orchestrator
	h      *Handle
	req    Request
	result Result
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, req Request) {
	t := &task{
		o:   o,
		h:   h,
		req: req,
		result: Result{
			TaskID:    h.id,
			State:     StateIdle,
			StartedAt: o.now(),
		},
	}
	t.emit(Event{Kind: EventStarted})

	err := t.safeExecute(ctx)

	t.result.FinishedAt = o.now()
	if err != nil {
		t.result.State = StateFailed
	} else {
		t.result.State = StateDone
	}

	if o.recorder != nil {
		if recErr := o.recorder.Record(context.WithoutCancel(ctx), t.result, err); recErr != nil && o.log != nil {
			o.log.Warn("failed to record workflow", "task", h.id, "error", recErr)
		}
	}

	result := t.result
	if err != nil {
		headline := Headline(err)
		if o.log != nil {
			o.log.Error("workflow failed", "task", h.id, "branch", result.SourceBranch, "headline", headline, "error", err)
		}
		t.emit(Event{Kind: EventFailed, Result: &result, Err: err, Headline: headline})
	} else {
		if o.log != nil {
			o.log.Info("workflow finished", "task", h.id, "branch", result.SourceBranch, "merge_requests", len(result.MergeRequests()))
		}
		t.emit(Event{Kind: EventSucceeded, Result: &result})
	}
	h.finish(result, err)
}

func (t *task) safeExecute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if t.o.log != nil {
				t.o.log.Error("workflow panicked", "task", t.h.id, "panic", r, "stack", string(debug.Stack()))
			}
			err = &PanicError{Value: r}
		}
	}()
	return t.execute(ctx)
}

func (t *task) execute(ctx context.Context) error {
	o := t.o
	if strings.TrimSpace(t.req.Title) == "" {
		return &policy.ValidationError{Field: "title", Message: "is required"}
	}

	var cfg Config
	if err := t.blocking(ctx, func(ctx context.Context) error {
		var err error
		cfg, err = o.source.Load(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	t.result.DryRun = cfg.DryRun

	var status git.RepositoryStatus
	if err := t.blocking(ctx, func(ctx context.Context) error {
		var err error
		status, err = o.repo.Snapshot(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("read repository state: %w", err)
	}
	if status.Detached() {
		return &policy.ValidationError{Field: "branch", Message: "HEAD is detached; check out a branch first"}
	}

	category := cfg.Policy.Classify(status.CurrentBranch)
	t.result.SourceBranch = status.CurrentBranch
	t.result.Category = category
	if !category.AllowsPush() {
		return &policy.ValidationError{
			Field:   "branch",
			Message: fmt.Sprintf("%s branch %q cannot be pushed for review", category, status.CurrentBranch),
		}
	}

	draft, err := cfg.Policy.NewDraft(forge.MergeRequestDraft{
		SourceBranch:       status.CurrentBranch,
		TargetBranch:       t.req.TargetBranch,
		Title:              t.req.Title,
		Description:        t.req.Description,
		RemoveSourceBranch: t.req.RemoveSourceBranch,
		Squash:             t.req.Squash,
		ReviewerIDs:        t.req.ReviewerIDs,
	})
	if err != nil {
		return err
	}
	t.result.Draft = &draft

	if err := t.step(ctx, StatePushing, func(ctx context.Context) error {
		if cfg.DryRun {
			if o.log != nil {
				o.log.Info("dry run: skipping push", "task", t.h.id, "branch", draft.SourceBranch)
			}
			return nil
		}
		return o.repo.Push(ctx, draft.SourceBranch, !status.Upstream.HasUpstream)
	}); err != nil {
		return fmt.Errorf("push %s: %w", draft.SourceBranch, err)
	}

	if err := t.step(ctx, StateCreatingMergeRequest, func(ctx context.Context) error {
		mr, err := o.client.CreateMergeRequest(ctx, draft)
		// A record with an IID exists remotely even if a later call failed.
		if mr.IID != 0 {
			t.result.Primary = &mr
		}
		return err
	}); err != nil {
		return fmt.Errorf("create merge request %s -> %s: %w", draft.SourceBranch, draft.TargetBranch, err)
	}

	if t.req.SkipSync || !policy.HasPrefix(draft.SourceBranch, cfg.Policy.SyncPrefixes) {
		return nil
	}

	var syncTarget string
	if err := t.local(ctx, StateEvaluatingSync, func() {
		syncTarget, _ = cfg.Policy.SyncTarget(draft.SourceBranch, draft.TargetBranch)
	}); err != nil {
		return err
	}
	if syncTarget == "" {
		if o.log != nil {
			o.log.Info("no sync target for merge request", "task", t.h.id, "target", draft.TargetBranch)
		}
		return nil
	}
	t.result.SyncTarget = syncTarget

	if err := t.step(ctx, StateProbingSyncConflict, func(ctx context.Context) error {
		probe, err := o.prober.ProbeCherryPick(ctx, draft.SourceBranch, syncTarget)
		if err != nil {
			return err
		}
		t.result.Probe = &probe
		return nil
	}); err != nil {
		return fmt.Errorf("probe %s onto %s: %w", draft.SourceBranch, syncTarget, err)
	}

	proposal := policy.SyncProposal{
		Primary:    *t.result.Primary,
		SyncTarget: syncTarget,
		Probe:      *t.result.Probe,
	}

	var accepted bool
	if err := t.prompt(ctx, func(ctx context.Context) error {
		if o.prompter == nil {
			return nil
		}
		var err error
		accepted, err = o.prompter.ConfirmSync(ctx, proposal)
		return err
	}); err != nil {
		return fmt.Errorf("confirm sync: %w", err)
	}
	if !accepted {
		t.result.SyncDeclined = true
		return nil
	}

	syncDraft := policy.SyncDraft(draft, proposal)
	if err := t.step(ctx, StateCreatingSyncMergeRequest, func(ctx context.Context) error {
		mr, err := o.client.CreateMergeRequest(ctx, syncDraft)
		// A record with an IID exists remotely even if a later call failed.
		if mr.IID != 0 {
			t.result.Sync = &mr
		}
		return err
	}); err != nil {
		return fmt.Errorf("create sync merge request %s -> %s: %w", syncDraft.SourceBranch, syncDraft.TargetBranch, err)
	}
	return nil
}

// checkpoint runs between steps and is the only place cancellation is
// observed.
func (t *task) checkpoint(ctx context.Context) error {
	if t.h.cancelled.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// blocking runs fn on the worker pool. Once fn starts it is shielded from
// cancellation of ctx.
func (t *task) blocking(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.checkpoint(ctx); err != nil {
		return err
	}
	if err := t.o.pool.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer t.o.pool.Release(1)
	return fn(context.WithoutCancel(ctx))
}

func (t *task) step(ctx context.Context, state State, fn func(ctx context.Context) error) error {
	if err := t.checkpoint(ctx); err != nil {
		return err
	}
	t.enter(state)
	if err := t.blocking(ctx, fn); err != nil {
		return err
	}
	t.complete(state)
	return nil
}

// local runs a step that does no I/O.
func (t *task) local(ctx context.Context, state State, fn func()) error {
	if err := t.checkpoint(ctx); err != nil {
		return err
	}
	t.enter(state)
	fn()
	t.complete(state)
	return nil
}

// prompt waits for the user outside the pool, on the caller's context.
func (t *task) prompt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.checkpoint(ctx); err != nil {
		return err
	}
	t.enter(StatePromptingUser)
	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return err
	}
	t.complete(StatePromptingUser)
	return nil
}

func (t *task) enter(state State) {
	t.h.setState(state)
	t.result.State = state
	if t.o.log != nil {
		t.o.log.Debug("workflow step", "task", t.h.id, "state", state)
	}
}

func (t *task) complete(state State) {
	t.result.Steps = append(t.result.Steps, state)
	t.emit(Event{Kind: EventStepCompleted, Step: state})
}

func (t *task) emit(ev Event) {
	ev.TaskID = t.h.id
	ev.Time = t.o.now()
	select {
	case t.h.events <- ev:
	default:
		if t.o.log != nil {
			t.o.log.Warn("dropping workflow event", "task", t.h.id, "kind", ev.Kind)
		}
	}
	if t.o.observer != nil {
		t.o.observer(ev)
	}
}
