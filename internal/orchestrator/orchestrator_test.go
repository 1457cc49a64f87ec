package orchestrator_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
)

type fakeRepo struct {
	mu          sync.Mutex
	status      git.RepositoryStatus
	snapshotErr error
	pushErr     error
	pushes      []string
	upstreamSet []bool
	block       chan struct{}
}

func (f *fakeRepo) Snapshot(context.Context) (git.RepositoryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.snapshotErr
}

func (f *fakeRepo) Push(_ context.Context, branch string, setUpstream bool) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, branch)
	f.upstreamSet = append(f.upstreamSet, setUpstream)
	return f.pushErr
}

func (f *fakeRepo) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type fakeProber struct {
	result git.ProbeResult
	err    error
	calls  [][2]string
	panics bool
}

func (f *fakeProber) ProbeCherryPick(_ context.Context, source, target string) (git.ProbeResult, error) {
	if f.panics {
		panic("probe exploded")
	}
	f.calls = append(f.calls, [2]string{source, target})
	return f.result, f.err
}

// fakeForge numbers merge requests from 42 and can fail selected drafts.
type fakeForge struct {
	*forge.NoopClient

	mu      sync.Mutex
	next    int
	drafts  []forge.MergeRequestDraft
	failFor func(forge.MergeRequestDraft) error
	// failAfter fails a draft after its record was created, like a reviewer
	// request rejected once the pull request exists.
	failAfter func(forge.MergeRequestDraft) error
}

func newFakeForge() *fakeForge {
	return &fakeForge{NoopClient: forge.NewNoopClient("group/app"), next: 42}
}

func (f *fakeForge) CreateMergeRequest(_ context.Context, draft forge.MergeRequestDraft) (forge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)
	if f.failFor != nil {
		if err := f.failFor(draft); err != nil {
			return forge.MergeRequest{}, err
		}
	}
	iid := f.next
	f.next++
	mr := forge.MergeRequest{
		ID:           int64(iid) * 100,
		IID:          iid,
		Title:        draft.Title,
		URL:          "https://gitlab.example.com/group/app/-/merge_requests/" + strconv.Itoa(iid),
		State:        forge.StateOpened,
		SourceBranch: draft.SourceBranch,
		TargetBranch: draft.TargetBranch,
	}
	if f.failAfter != nil {
		if err := f.failAfter(draft); err != nil {
			return mr, err
		}
	}
	return mr, nil
}

func (f *fakeForge) created() []forge.MergeRequestDraft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.MergeRequestDraft(nil), f.drafts...)
}

type recordedPrompt struct {
	proposals []policy.SyncProposal
	answer    bool
	err       error
}

func (r *recordedPrompt) ConfirmSync(_ context.Context, p policy.SyncProposal) (bool, error) {
	r.proposals = append(r.proposals, p)
	return r.answer, r.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []orchestrator.Result
	errs    []error
	fail    error
}

func (f *fakeRecorder) Record(_ context.Context, result orchestrator.Result, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	f.errs = append(f.errs, err)
	return f.fail
}

func onBranch(branch string) git.RepositoryStatus {
	return git.RepositoryStatus{
		CurrentBranch:      branch,
		HasUnpushedCommits: true,
		Upstream:           git.UpstreamInfo{HasUpstream: true, Upstream: "origin/" + branch, Ahead: 1},
	}
}

func drain(h *orchestrator.Handle) []orchestrator.Event {
	var events []orchestrator.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func stepsOf(events []orchestrator.Event) []orchestrator.State {
	var steps []orchestrator.State
	for _, ev := range events {
		if ev.Kind == orchestrator.EventStepCompleted {
			steps = append(steps, ev.Step)
		}
	}
	return steps
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		cfg      orchestrator.Config
		repo     *fakeRepo
		prober   *fakeProber
		client   *fakeForge
		prompter *recordedPrompt
		recorder *fakeRecorder
		ids      int
	)

	build := func(extra ...orchestrator.Option) *orchestrator.Orchestrator {
		opts := append([]orchestrator.Option{
			orchestrator.WithRecorder(recorder),
			orchestrator.WithIDGenerator(func() string {
				ids++
				return "task-" + strconv.Itoa(ids)
			}),
		}, extra...)
		return orchestrator.New(orchestrator.StaticConfig(cfg), repo, prober, client, prompter, nil, opts...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = orchestrator.Config{Policy: policy.Default()}
		repo = &fakeRepo{status: onBranch("bugfix/login-crash")}
		prober = &fakeProber{result: git.ProbeResult{Outcome: git.ProbeClear}}
		client = newFakeForge()
		prompter = &recordedPrompt{answer: true}
		recorder = &fakeRecorder{}
		ids = 0
	})

	It("pushes a bugfix, opens the merge request and syncs it to the sibling branch", func() {
		h := build().Submit(ctx, orchestrator.Request{Title: "Fix login crash", Description: "Null check on login."})
		events := drain(h)

		result, err := h.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID()).To(Equal("task-1"))
		Expect(h.State()).To(Equal(orchestrator.StateDone))
		Expect(result.State).To(Equal(orchestrator.StateDone))
		Expect(result.Category).To(Equal(policy.Feature))

		Expect(repo.pushes).To(Equal([]string{"bugfix/login-crash"}))
		Expect(repo.upstreamSet).To(Equal([]bool{false}))
		Expect(prober.calls).To(Equal([][2]string{{"bugfix/login-crash", "internal"}}))

		Expect(result.Primary).NotTo(BeNil())
		Expect(result.Primary.IID).To(Equal(42))
		Expect(result.Primary.TargetBranch).To(Equal("develop"))

		Expect(result.SyncTarget).To(Equal("internal"))
		Expect(result.Sync).NotTo(BeNil())
		Expect(result.Sync.TargetBranch).To(Equal("internal"))
		Expect(result.Sync.Title).To(Equal("[同步] Fix login crash"))
		Expect(result.MergeRequests()).To(HaveLen(2))

		drafts := client.created()
		Expect(drafts).To(HaveLen(2))
		Expect(drafts[1].Description).To(ContainSubstring("!42"))
		Expect(drafts[1].Description).To(ContainSubstring("`develop`"))
		Expect(drafts[1].RemoveSourceBranch).To(BeFalse())

		Expect(events[0].Kind).To(Equal(orchestrator.EventStarted))
		Expect(stepsOf(events)).To(Equal([]orchestrator.State{
			orchestrator.StatePushing,
			orchestrator.StateCreatingMergeRequest,
			orchestrator.StateEvaluatingSync,
			orchestrator.StateProbingSyncConflict,
			orchestrator.StatePromptingUser,
			orchestrator.StateCreatingSyncMergeRequest,
		}))
		Expect(result.Steps).To(Equal(stepsOf(events)))
		last := events[len(events)-1]
		Expect(last.Kind).To(Equal(orchestrator.EventSucceeded))
		Expect(last.Result.Sync.IID).To(Equal(43))
		for _, ev := range events {
			Expect(ev.TaskID).To(Equal("task-1"))
		}

		Expect(recorder.results).To(HaveLen(1))
		Expect(recorder.errs[0]).To(BeNil())
	})

	It("fails fast on an empty title without touching git or the remote", func() {
		result, err := build().Run(ctx, orchestrator.Request{Title: "   "})

		var validationErr *policy.ValidationError
		Expect(errors.As(err, &validationErr)).To(BeTrue())
		Expect(validationErr.Field).To(Equal("title"))
		Expect(orchestrator.Headline(err)).To(Equal("invalid input"))
		Expect(result.State).To(Equal(orchestrator.StateFailed))
		Expect(result.Steps).To(BeEmpty())
		Expect(repo.pushCount()).To(BeZero())
		Expect(client.created()).To(BeEmpty())
	})

	It("never evaluates sync for a feature branch", func() {
		repo.status = onBranch("feature/search")
		h := build().Submit(ctx, orchestrator.Request{Title: "Add search", TargetBranch: "develop"})
		events := drain(h)

		result, err := h.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stepsOf(events)).To(Equal([]orchestrator.State{
			orchestrator.StatePushing,
			orchestrator.StateCreatingMergeRequest,
		}))
		Expect(result.Sync).To(BeNil())
		Expect(prober.calls).To(BeEmpty())
		Expect(prompter.proposals).To(BeEmpty())
	})

	It("skips sync when asked to", func() {
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash", SkipSync: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Steps).NotTo(ContainElement(orchestrator.StateEvaluatingSync))
		Expect(client.created()).To(HaveLen(1))
	})

	It("finishes after evaluating sync when the target is outside the sync pair", func() {
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash", TargetBranch: "release/1.2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Steps).To(Equal([]orchestrator.State{
			orchestrator.StatePushing,
			orchestrator.StateCreatingMergeRequest,
			orchestrator.StateEvaluatingSync,
		}))
		Expect(result.SyncTarget).To(BeEmpty())
		Expect(prober.calls).To(BeEmpty())
	})

	It("retargets a database branch to the integration branch", func() {
		repo.status = onBranch("develop-database")
		result, err := build().Run(ctx, orchestrator.Request{Title: "Add index", TargetBranch: "internal"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Category).To(Equal(policy.Database))
		Expect(result.Primary.TargetBranch).To(Equal("develop"))
	})

	DescribeTable("rejects branches that cannot be pushed",
		func(status git.RepositoryStatus) {
			repo.status = status
			result, err := build().Run(ctx, orchestrator.Request{Title: "Anything"})

			var validationErr *policy.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(result.State).To(Equal(orchestrator.StateFailed))
			Expect(repo.pushCount()).To(BeZero())
			Expect(client.created()).To(BeEmpty())
		},
		Entry("main", onBranch("main")),
		Entry("master", onBranch("master")),
		Entry("protected develop", onBranch("develop")),
		Entry("protected internal", onBranch("internal")),
		Entry("detached HEAD", git.RepositoryStatus{}),
	)

	It("records a declined sync and stops", func() {
		prompter.answer = false
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(orchestrator.StateDone))
		Expect(result.SyncDeclined).To(BeTrue())
		Expect(result.Sync).To(BeNil())
		Expect(client.created()).To(HaveLen(1))
		Expect(result.Steps).To(ContainElement(orchestrator.StatePromptingUser))
		Expect(result.Steps).NotTo(ContainElement(orchestrator.StateCreatingSyncMergeRequest))
	})

	It("declines when no prompter is configured", func() {
		o := orchestrator.New(orchestrator.StaticConfig(cfg), repo, prober, client, nil, nil)
		result, err := o.Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.SyncDeclined).To(BeTrue())
	})

	It("marks a conflicting sync in the title and lists the paths", func() {
		prober.result = git.ProbeResult{
			Outcome:          git.ProbeConflict,
			HasConflict:      true,
			ConflictingPaths: []string{"app/login.go"},
		}
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())

		Expect(prompter.proposals).To(HaveLen(1))
		Expect(prompter.proposals[0].Probe.HasConflict).To(BeTrue())
		Expect(prompter.proposals[0].Primary.IID).To(Equal(42))
		Expect(result.Sync.Title).To(Equal("[同步][冲突] Fix login crash"))
		Expect(client.created()[1].Description).To(ContainSubstring("app/login.go"))
	})

	It("presents an inconclusive probe without a conflict mark", func() {
		prober.result = git.ProbeResult{Outcome: git.ProbeInconclusive, Diagnostic: "target branch \"internal\" could not be resolved"}
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())
		Expect(prompter.proposals[0].Probe.Inconclusive()).To(BeTrue())
		Expect(result.Sync.Title).To(Equal("[同步] Fix login crash"))
		Expect(client.created()[1].Description).To(ContainSubstring("inconclusive"))
	})

	It("reports a duplicate merge request as already exists", func() {
		client.failFor = func(forge.MergeRequestDraft) error {
			return &forge.BusinessError{Op: "create merge request", StatusCode: 409, Kind: forge.KindAlreadyExists, Message: "Another open merge request already exists for this source branch: !7"}
		}
		h := build().Submit(ctx, orchestrator.Request{Title: "Fix login crash"})
		events := drain(h)

		result, err := h.Wait(ctx)
		Expect(forge.IsAlreadyExists(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("!7"))
		Expect(result.State).To(Equal(orchestrator.StateFailed))
		Expect(result.Steps).To(Equal([]orchestrator.State{orchestrator.StatePushing}))

		last := events[len(events)-1]
		Expect(last.Kind).To(Equal(orchestrator.EventFailed))
		Expect(last.Headline).To(Equal("already exists"))
		Expect(recorder.errs).To(HaveLen(1))
		Expect(recorder.errs[0]).To(MatchError(err))
	})

	It("keeps a created merge request when a follow-up call fails", func() {
		client.failAfter = func(forge.MergeRequestDraft) error {
			return &forge.BusinessError{Op: "request reviewers", StatusCode: 422, Kind: forge.KindInvalid, Message: "Reviews may only be requested from collaborators."}
		}
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash", ReviewerIDs: []int{7}})

		Expect(forge.IsInvalid(err)).To(BeTrue())
		Expect(result.State).To(Equal(orchestrator.StateFailed))
		Expect(result.Primary).NotTo(BeNil())
		Expect(result.Primary.IID).To(Equal(42))
		Expect(result.MergeRequests()).To(HaveLen(1))
		Expect(recorder.results).To(HaveLen(1))
		Expect(recorder.results[0].Primary).NotTo(BeNil())
	})

	It("keeps a created sync merge request when a follow-up call fails", func() {
		client.failAfter = func(d forge.MergeRequestDraft) error {
			if d.TargetBranch == "internal" {
				return &forge.BusinessError{Op: "request reviewers", StatusCode: 422, Kind: forge.KindInvalid, Message: "reviewer not found"}
			}
			return nil
		}
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})

		Expect(err).To(HaveOccurred())
		Expect(result.Primary.IID).To(Equal(42))
		Expect(result.Sync).NotTo(BeNil())
		Expect(result.Sync.IID).To(Equal(43))
	})

	It("fails the sync step without losing the primary merge request", func() {
		client.failFor = func(d forge.MergeRequestDraft) error {
			if d.TargetBranch == "internal" {
				return &forge.BusinessError{Op: "create merge request", StatusCode: 403, Kind: forge.KindUnauthorized, Message: "403 Forbidden"}
			}
			return nil
		}
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(orchestrator.Headline(err)).To(Equal("permission error"))
		Expect(result.Primary).NotTo(BeNil())
		Expect(result.Sync).To(BeNil())
	})

	It("uses -u when the branch has no upstream", func() {
		repo.status.Upstream = git.UpstreamInfo{}
		_, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash", SkipSync: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.upstreamSet).To(Equal([]bool{true}))
	})

	It("skips the push in dry-run mode", func() {
		cfg.DryRun = true
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DryRun).To(BeTrue())
		Expect(repo.pushCount()).To(BeZero())
		Expect(result.Steps).To(ContainElement(orchestrator.StatePushing))
		Expect(client.created()).To(HaveLen(2))
	})

	It("maps push failures to a git headline", func() {
		repo.pushErr = &git.RepositoryStateError{Args: []string{"push"}, ExitCode: 1, Stderr: "rejected"}
		_, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(orchestrator.Headline(err)).To(Equal("git error"))
		Expect(client.created()).To(BeEmpty())
	})

	It("stops before the next step once cancelled", func() {
		repo.block = make(chan struct{})
		h := build().Submit(ctx, orchestrator.Request{Title: "Fix login crash"})

		Eventually(h.State).Should(Equal(orchestrator.StatePushing))
		h.Cancel()
		close(repo.block)

		result, err := h.Wait(ctx)
		Expect(err).To(MatchError(orchestrator.ErrCancelled))
		Expect(orchestrator.Headline(err)).To(Equal("cancelled"))
		Expect(result.Steps).To(Equal([]orchestrator.State{orchestrator.StatePushing}))
		Expect(repo.pushCount()).To(Equal(1))
		Expect(client.created()).To(BeEmpty())
	})

	It("does not start when the context is already cancelled", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		result, err := build().Run(cancelled, orchestrator.Request{Title: "Fix login crash"})
		Expect(errors.Is(err, orchestrator.ErrCancelled)).To(BeTrue())
		Expect(result.State).To(Equal(orchestrator.StateFailed))
		Expect(repo.pushCount()).To(BeZero())
	})

	It("turns a panic into a failed task", func() {
		prober.panics = true
		h := build().Submit(ctx, orchestrator.Request{Title: "Fix login crash"})

		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			Fail("task did not finish")
		}
		result, err := h.Wait(ctx)
		var panicErr *orchestrator.PanicError
		Expect(errors.As(err, &panicErr)).To(BeTrue())
		Expect(orchestrator.Headline(err)).To(Equal("internal error"))
		Expect(result.State).To(Equal(orchestrator.StateFailed))
		Expect(result.Primary).NotTo(BeNil())
	})

	It("only logs recorder failures", func() {
		recorder.fail = errors.New("disk full")
		result, err := build().Run(ctx, orchestrator.Request{Title: "Fix login crash"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(orchestrator.StateDone))
	})

	It("notifies the observer of every event", func() {
		var (
			mu    sync.Mutex
			kinds []orchestrator.EventKind
		)
		o := build(orchestrator.WithObserver(func(ev orchestrator.Event) {
			mu.Lock()
			defer mu.Unlock()
			kinds = append(kinds, ev.Kind)
		}))
		_, err := o.Run(ctx, orchestrator.Request{Title: "Add search", SkipSync: true})
		Expect(err).NotTo(HaveOccurred())

		mu.Lock()
		defer mu.Unlock()
		Expect(kinds).To(Equal([]orchestrator.EventKind{
			orchestrator.EventStarted,
			orchestrator.EventStepCompleted,
			orchestrator.EventStepCompleted,
			orchestrator.EventSucceeded,
		}))
	})

	It("runs independent submissions concurrently through a bounded pool", func() {
		o := build(orchestrator.WithWorkers(1))
		handles := []*orchestrator.Handle{
			o.Submit(ctx, orchestrator.Request{Title: "One", SkipSync: true}),
			o.Submit(ctx, orchestrator.Request{Title: "Two", SkipSync: true}),
			o.Submit(ctx, orchestrator.Request{Title: "Three", SkipSync: true}),
		}
		seen := map[string]bool{}
		for _, h := range handles {
			result, err := h.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			seen[result.TaskID] = true
		}
		Expect(seen).To(HaveLen(3))
		Expect(client.created()).To(HaveLen(3))
	})
})

var _ = Describe("Headline", func() {
	DescribeTable("categorises errors",
		func(err error, want string) {
			Expect(orchestrator.Headline(err)).To(Equal(want))
		},
		Entry("nil", nil, ""),
		Entry("missing git", &git.ExecutionError{Binary: "git", Err: errors.New("not found")}, "git not available"),
		Entry("git timeout", &git.TimeoutError{Args: []string{"fetch"}}, "git timed out"),
		Entry("transport", &forge.TransportError{Op: "list", Err: errors.New("dial tcp")}, "connection error"),
		Entry("not found", &forge.BusinessError{Kind: forge.KindNotFound}, "not found"),
		Entry("invalid", &forge.BusinessError{Kind: forge.KindInvalid}, "rejected by server"),
		Entry("server error", &forge.BusinessError{StatusCode: 502, Kind: forge.KindOther}, "server unavailable"),
		Entry("other remote", &forge.BusinessError{StatusCode: 418, Kind: forge.KindOther}, "remote error"),
		Entry("unknown", errors.New("boom"), "failed"),
	)
})
