package forge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MergeRequestDraft is everything needed to open a merge request.
type MergeRequestDraft struct {
	SourceBranch       string `json:"source_branch" yaml:"source_branch"`
	TargetBranch       string `json:"target_branch" yaml:"target_branch"`
	Title              string `json:"title" yaml:"title"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	RemoveSourceBranch bool   `json:"remove_source_branch" yaml:"remove_source_branch"`
	Squash             bool   `json:"squash" yaml:"squash"`
	ReviewerIDs        []int  `json:"reviewer_ids,omitempty" yaml:"reviewer_ids,omitempty"`
}

// Merge request states as reported by the service.
const (
	StateOpened = "opened"
	StateMerged = "merged"
	StateClosed = "closed"
)

// MergeRequest is the remote record of a merge request. It is never mutated
// locally; re-fetch to observe changes.
type MergeRequest struct {
	ID           int64     `json:"id" yaml:"id"`
	IID          int       `json:"iid" yaml:"iid"`
	Title        string    `json:"title" yaml:"title"`
	URL          string    `json:"url" yaml:"url"`
	State        string    `json:"state" yaml:"state"`
	SourceBranch string    `json:"source_branch" yaml:"source_branch"`
	TargetBranch string    `json:"target_branch" yaml:"target_branch"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// Reference renders the human merge request number, e.g. "!42".
func (m MergeRequest) Reference() string {
	return fmt.Sprintf("!%d", m.IID)
}

// Pipeline statuses. Unknown statuses are passed through as reported.
const (
	PipelinePending  = "pending"
	PipelineRunning  = "running"
	PipelineSuccess  = "success"
	PipelineFailed   = "failed"
	PipelineCanceled = "canceled"
)

// Pipeline is one CI run. Its lifecycle is owned by the remote service.
type Pipeline struct {
	ID        int64     `json:"id" yaml:"id"`
	Status    string    `json:"status" yaml:"status"`
	Ref       string    `json:"ref" yaml:"ref"`
	URL       string    `json:"url" yaml:"url"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Finished reports whether the pipeline reached a final status.
func (p Pipeline) Finished() bool {
	switch p.Status {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, "skipped":
		return true
	default:
		return false
	}
}

// Job is a single job of a pipeline.
type Job struct {
	ID     int64  `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Stage  string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Status string `json:"status" yaml:"status"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Member is a project member that can be requested as a reviewer.
type Member struct {
	ID       int64  `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Name     string `json:"name" yaml:"name"`
}

// User is the identity behind the configured token.
type User struct {
	ID       int64  `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Name     string `json:"name" yaml:"name"`
}

// ListMergeRequestsOptions filters ListMergeRequests. Empty fields match all.
type ListMergeRequestsOptions struct {
	State        string
	TargetBranch string
	SourceBranch string
	// Limit caps the number of records; zero reads every page.
	Limit int
}

// ListPipelinesOptions filters ListPipelines. Empty fields match all.
type ListPipelinesOptions struct {
	Ref    string
	Status string
	// Limit caps the number of records; zero reads every page.
	Limit int
}

// Client exposes the project-hosting operations the workflow needs.
type Client interface {
	CurrentUser(ctx context.Context) (User, error)

	CreateMergeRequest(ctx context.Context, draft MergeRequestDraft) (MergeRequest, error)
	GetMergeRequest(ctx context.Context, iid int) (MergeRequest, error)
	ListMergeRequests(ctx context.Context, opts ListMergeRequestsOptions) ([]MergeRequest, error)
	ApproveMergeRequest(ctx context.Context, iid int) error
	MergeMergeRequest(ctx context.Context, iid int) (MergeRequest, error)
	CloseMergeRequest(ctx context.Context, iid int) (MergeRequest, error)

	TriggerPipeline(ctx context.Context, ref string, variables map[string]string) (Pipeline, error)
	ListPipelines(ctx context.Context, opts ListPipelinesOptions) ([]Pipeline, error)
	GetPipeline(ctx context.Context, id int64) (Pipeline, error)
	RetryPipeline(ctx context.Context, id int64) (Pipeline, error)
	CancelPipeline(ctx context.Context, id int64) (Pipeline, error)
	ListPipelineJobs(ctx context.Context, pipelineID int64) ([]Job, error)
	JobTrace(ctx context.Context, jobID int64) (string, error)
	JobArtifacts(ctx context.Context, jobID int64) ([]byte, error)

	ListMembers(ctx context.Context) ([]Member, error)
}

// Options configures a client for one project.
type Options struct {
	// BaseURL is the web root of the service, e.g. https://gitlab.com. For
	// GitHub an empty value targets github.com and anything else is treated as
	// a GitHub Enterprise API root.
	BaseURL string
	// Project identifies the project: "group/name" or a numeric id for GitLab,
	// "owner/repo" for GitHub.
	Project string
	Token   string
	// Workflow is the GitHub Actions workflow file dispatched by TriggerPipeline.
	Workflow string
	Timeout  time.Duration
}

// Factory builds clients for one backend.
type Factory interface {
	New(ctx context.Context, opts Options) (Client, error)
}

// Provider names accepted by FactoryFor.
const (
	ProviderGitLab = "gitlab"
	ProviderGitHub = "github"
	ProviderNoop   = "noop"
)

// FactoryFor returns the factory for a provider name.
func FactoryFor(provider string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderGitLab, "":
		return NewGitLabFactory(), nil
	case ProviderGitHub:
		return NewGitHubFactory(), nil
	case ProviderNoop:
		return NewNoopFactory(), nil
	default:
		return nil, fmt.Errorf("unknown forge provider %q", provider)
	}
}
