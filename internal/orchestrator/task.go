package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

// State is a step of the workflow state machine.
type State string

const (
	StateIdle                     State = "idle"
	StatePushing                  State = "pushing"
	StateCreatingMergeRequest     State = "creating_merge_request"
	StateEvaluatingSync           State = "evaluating_sync"
	StateProbingSyncConflict      State = "probing_sync_conflict"
	StatePromptingUser            State = "prompting_user"
	StateCreatingSyncMergeRequest State = "creating_sync_merge_request"
	StateDone                     State = "done"
	StateFailed                   State = "failed"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Request is the user input for one workflow run.
type Request struct {
	Title              string
	Description        string
	TargetBranch       string
	Squash             bool
	RemoveSourceBranch bool
	ReviewerIDs        []int
	// SkipSync never proposes a sync merge request.
	SkipSync bool
}

// Result is the outcome of one workflow run.
type Result struct {
	TaskID       string                   `json:"task_id" yaml:"task_id"`
	State        State                    `json:"state" yaml:"state"`
	Steps        []State                  `json:"steps" yaml:"steps"`
	SourceBranch string                   `json:"source_branch" yaml:"source_branch"`
	Category     policy.Category          `json:"category" yaml:"category"`
	Draft        *forge.MergeRequestDraft `json:"draft,omitempty" yaml:"draft,omitempty"`
	Primary      *forge.MergeRequest      `json:"primary,omitempty" yaml:"primary,omitempty"`
	SyncTarget   string                   `json:"sync_target,omitempty" yaml:"sync_target,omitempty"`
	Probe        *git.ProbeResult         `json:"probe,omitempty" yaml:"probe,omitempty"`
	SyncDeclined bool                     `json:"sync_declined,omitempty" yaml:"sync_declined,omitempty"`
	Sync         *forge.MergeRequest      `json:"sync,omitempty" yaml:"sync,omitempty"`
	DryRun       bool                     `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	StartedAt    time.Time                `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time                `json:"finished_at" yaml:"finished_at"`
}

// MergeRequests returns the merge requests the run created, primary first.
func (r Result) MergeRequests() []forge.MergeRequest {
	var out []forge.MergeRequest
	if r.Primary != nil {
		out = append(out, *r.Primary)
	}
	if r.Sync != nil {
		out = append(out, *r.Sync)
	}
	return out
}

// EventKind tags an Event.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventStepCompleted EventKind = "step_completed"
	EventSucceeded     EventKind = "succeeded"
	EventFailed        EventKind = "failed"
)

// Event is one lifecycle notification of a task. Step is set for
// EventStepCompleted, Result for EventSucceeded and EventFailed, Err and
// Headline for EventFailed.
type Event struct {
	Kind     EventKind
	TaskID   string
	Step     State
	Result   *Result
	Err      error
	Headline string
	Time     time.Time
}

// the longest run emits one start, seven steps and one terminal event.
const eventBuffer = 16

// Handle tracks a submitted workflow.
type Handle struct {
	id        string
	events    chan Event
	done      chan struct{}
	cancelled atomic.Bool

	mu     sync.Mutex
	state  State
	result Result
	err    error
}

func newHandle(id string) *Handle {
	return &Handle{
		id:     id,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.id }

// Events streams lifecycle events. The channel is buffered for the whole run
// and closed after the terminal event, so a caller may ignore it.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the task reached Done or Failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel asks the task to stop before its next step. A step that already
// started always runs to completion.
func (h *Handle) Cancel() { h.cancelled.Store(true) }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) finish(result Result, err error) {
	h.mu.Lock()
	h.state = result.State
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.events)
	close(h.done)
}
