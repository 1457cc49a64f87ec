package forge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewNoopFactory returns a Factory that builds dry-run clients.
func NewNoopFactory() Factory {
	return noopFactory{}
}

type noopFactory struct{}

func (noopFactory) New(ctx context.Context, opts Options) (Client, error) {
	return NewNoopClient(opts.Project), nil
}

// NoopClient performs no remote calls. It records merge request drafts and
// fabricates records for them, which is what --dry-run uses.
type NoopClient struct {
	project string

	mu     sync.Mutex
	drafts []MergeRequestDraft
}

// NewNoopClient returns a dry-run client for project.
func NewNoopClient(project string) *NoopClient {
	return &NoopClient{project: project}
}

// Drafts returns the drafts submitted so far.
func (c *NoopClient) Drafts() []MergeRequestDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MergeRequestDraft(nil), c.drafts...)
}

func (c *NoopClient) CurrentUser(context.Context) (User, error) {
	return User{Username: "dry-run", Name: "Dry Run"}, nil
}

func (c *NoopClient) CreateMergeRequest(_ context.Context, draft MergeRequestDraft) (MergeRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drafts = append(c.drafts, draft)
	iid := len(c.drafts)
	return MergeRequest{
		IID:          iid,
		Title:        draft.Title,
		URL:          fmt.Sprintf("dry-run://%s/merge_requests/%d", c.project, iid),
		State:        StateOpened,
		SourceBranch: draft.SourceBranch,
		TargetBranch: draft.TargetBranch,
		CreatedAt:    time.Now(),
	}, nil
}

func (c *NoopClient) GetMergeRequest(_ context.Context, iid int) (MergeRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if iid < 1 || iid > len(c.drafts) {
		return MergeRequest{}, newBusinessError("get merge request", 404, "404 Not found")
	}
	d := c.drafts[iid-1]
	return MergeRequest{IID: iid, Title: d.Title, State: StateOpened, SourceBranch: d.SourceBranch, TargetBranch: d.TargetBranch}, nil
}

func (c *NoopClient) ListMergeRequests(context.Context, ListMergeRequestsOptions) ([]MergeRequest, error) {
	return nil, nil
}

func (c *NoopClient) ApproveMergeRequest(context.Context, int) error {
	return nil
}

func (c *NoopClient) MergeMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	mr, err := c.GetMergeRequest(ctx, iid)
	mr.State = StateMerged
	return mr, err
}

func (c *NoopClient) CloseMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	mr, err := c.GetMergeRequest(ctx, iid)
	mr.State = StateClosed
	return mr, err
}

func (c *NoopClient) TriggerPipeline(_ context.Context, ref string, _ map[string]string) (Pipeline, error) {
	now := time.Now()
	return Pipeline{Ref: ref, Status: PipelinePending, CreatedAt: now, UpdatedAt: now}, nil
}

func (c *NoopClient) ListPipelines(context.Context, ListPipelinesOptions) ([]Pipeline, error) {
	return nil, nil
}

func (c *NoopClient) GetPipeline(_ context.Context, id int64) (Pipeline, error) {
	return Pipeline{ID: id, Status: PipelinePending}, nil
}

func (c *NoopClient) RetryPipeline(_ context.Context, id int64) (Pipeline, error) {
	return Pipeline{ID: id, Status: PipelinePending}, nil
}

func (c *NoopClient) CancelPipeline(_ context.Context, id int64) (Pipeline, error) {
	return Pipeline{ID: id, Status: PipelineCanceled}, nil
}

func (c *NoopClient) ListPipelineJobs(context.Context, int64) ([]Job, error) {
	return nil, nil
}

func (c *NoopClient) JobTrace(context.Context, int64) (string, error) {
	return "", nil
}

func (c *NoopClient) JobArtifacts(context.Context, int64) ([]byte, error) {
	return nil, nil
}

func (c *NoopClient) ListMembers(context.Context) ([]Member, error) {
	return nil, nil
}
