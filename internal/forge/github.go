package forge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultWorkflow = "ci.yml"

// NewGitHubFactory returns a Factory backed by the go-github REST client. Pull
// requests stand in for merge requests and Actions workflow runs for
// pipelines. A non-empty BaseURL targets a GitHub Enterprise instance.
func NewGitHubFactory() Factory {
	return githubFactory{userAgent: defaultUserAgent}
}

type githubFactory struct {
	userAgent string
}

type githubClient struct {
	client   *github.Client
	owner    string
	repo     string
	workflow string
}

func (f githubFactory) New(ctx context.Context, opts Options) (Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("github token is required")
	}
	owner, repo, ok := strings.Cut(strings.Trim(strings.TrimSpace(opts.Project), "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github project must be owner/repo, got %q", opts.Project)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	tc := oauth2.NewClient(ctx, ts)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tc.Timeout = timeout

	var ghClient *github.Client
	if base := strings.TrimSpace(opts.BaseURL); base != "" && !isPublicGitHub(base) {
		normalized, err := normalizeGitHubURL(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		ghClient, err = github.NewClient(tc).WithEnterpriseURLs(normalized, normalized)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	} else {
		ghClient = github.NewClient(tc)
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	workflow := strings.TrimSpace(opts.Workflow)
	if workflow == "" {
		workflow = defaultWorkflow
	}

	return &githubClient{client: ghClient, owner: owner, repo: repo, workflow: workflow}, nil
}

func isPublicGitHub(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)
	return host == "github.com" || host == "api.github.com"
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *githubClient) CurrentUser(ctx context.Context) (User, error) {
	u, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return User{}, classifyGitHubError("get current user", err)
	}
	return User{ID: u.GetID(), Username: u.GetLogin(), Name: u.GetName()}, nil
}

func (c *githubClient) CreateMergeRequest(ctx context.Context, draft MergeRequestDraft) (MergeRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(draft.Title),
		Head:  github.String(draft.SourceBranch),
		Base:  github.String(draft.TargetBranch),
		Body:  github.String(draft.Description),
	})
	if err != nil {
		return MergeRequest{}, classifyGitHubError("create pull request", err)
	}
	result := pullRequestRecord(pr)

	if len(draft.ReviewerIDs) > 0 {
		logins := make([]string, 0, len(draft.ReviewerIDs))
		for _, id := range draft.ReviewerIDs {
			u, _, err := c.client.Users.GetByID(ctx, int64(id))
			if err != nil {
				return result, classifyGitHubError("resolve reviewer", err)
			}
			logins = append(logins, u.GetLogin())
		}
		if _, _, err := c.client.PullRequests.RequestReviewers(ctx, c.owner, c.repo, pr.GetNumber(), github.ReviewersRequest{Reviewers: logins}); err != nil {
			return result, classifyGitHubError("request reviewers", err)
		}
	}

	return result, nil
}

func (c *githubClient) GetMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	pr, _, err := c.client.PullRequests.Get(ctx, c.owner, c.repo, iid)
	if err != nil {
		return MergeRequest{}, classifyGitHubError("get pull request", err)
	}
	return pullRequestRecord(pr), nil
}

func (c *githubClient) ListMergeRequests(ctx context.Context, opts ListMergeRequestsOptions) ([]MergeRequest, error) {
	state := "all"
	switch opts.State {
	case StateOpened:
		state = "open"
	case StateMerged, StateClosed:
		state = "closed"
	}

	listOpts := &github.PullRequestListOptions{
		State:       state,
		Base:        opts.TargetBranch,
		ListOptions: github.ListOptions{PerPage: 50},
	}
	if opts.SourceBranch != "" {
		listOpts.Head = fmt.Sprintf("%s:%s", c.owner, opts.SourceBranch)
	}

	var results []MergeRequest
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, c.owner, c.repo, listOpts)
		if err != nil {
			return nil, classifyGitHubError("list pull requests", err)
		}

		for _, pr := range prs {
			if pr == nil {
				continue
			}
			record := pullRequestRecord(pr)
			if opts.State != "" && opts.State != "all" && record.State != opts.State {
				continue
			}
			results = append(results, record)
		}

		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}

	return truncate(results, opts.Limit), nil
}

func (c *githubClient) ApproveMergeRequest(ctx context.Context, iid int) error {
	review := &github.PullRequestReviewRequest{Event: github.String("APPROVE")}
	if _, _, err := c.client.PullRequests.CreateReview(ctx, c.owner, c.repo, iid, review); err != nil {
		return classifyGitHubError("approve pull request", err)
	}
	return nil
}

func (c *githubClient) MergeMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	opts := &github.PullRequestOptions{MergeMethod: "merge"}
	if _, _, err := c.client.PullRequests.Merge(ctx, c.owner, c.repo, iid, "", opts); err != nil {
		return MergeRequest{}, classifyGitHubError("merge pull request", err)
	}
	return c.GetMergeRequest(ctx, iid)
}

func (c *githubClient) CloseMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	pr, _, err := c.client.PullRequests.Edit(ctx, c.owner, c.repo, iid, &github.PullRequest{State: github.String("closed")})
	if err != nil {
		return MergeRequest{}, classifyGitHubError("close pull request", err)
	}
	return pullRequestRecord(pr), nil
}

func (c *githubClient) TriggerPipeline(ctx context.Context, ref string, variables map[string]string) (Pipeline, error) {
	inputs := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		inputs[k] = v
	}
	event := github.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: inputs}
	if _, err := c.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, c.owner, c.repo, c.workflow, event); err != nil {
		if err = classifyGitHubError("dispatch workflow", err); err != nil {
			return Pipeline{}, err
		}
	}

	// Dispatch does not return the run it creates; report the newest one.
	runs, err := c.ListPipelines(ctx, ListPipelinesOptions{Ref: ref, Limit: 1})
	if err != nil || len(runs) == 0 {
		return Pipeline{Ref: ref, Status: PipelinePending}, err
	}
	return runs[0], nil
}

func (c *githubClient) ListPipelines(ctx context.Context, opts ListPipelinesOptions) ([]Pipeline, error) {
	listOpts := &github.ListWorkflowRunsOptions{
		Branch:      opts.Ref,
		Status:      githubRunStatusFilter(opts.Status),
		ListOptions: github.ListOptions{PerPage: 50},
	}

	var results []Pipeline
	for {
		runs, resp, err := c.client.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo, listOpts)
		if err != nil {
			return nil, classifyGitHubError("list workflow runs", err)
		}
		if runs != nil {
			for _, run := range runs.WorkflowRuns {
				if run != nil {
					results = append(results, workflowRunRecord(run))
				}
			}
		}

		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return truncate(results, opts.Limit), nil
}

func (c *githubClient) GetPipeline(ctx context.Context, id int64) (Pipeline, error) {
	run, _, err := c.client.Actions.GetWorkflowRunByID(ctx, c.owner, c.repo, id)
	if err != nil {
		return Pipeline{}, classifyGitHubError("get workflow run", err)
	}
	return workflowRunRecord(run), nil
}

func (c *githubClient) RetryPipeline(ctx context.Context, id int64) (Pipeline, error) {
	if _, err := c.client.Actions.RerunWorkflowByID(ctx, c.owner, c.repo, id); err != nil {
		if err = classifyGitHubError("rerun workflow run", err); err != nil {
			return Pipeline{}, err
		}
	}
	return c.GetPipeline(ctx, id)
}

func (c *githubClient) CancelPipeline(ctx context.Context, id int64) (Pipeline, error) {
	if _, err := c.client.Actions.CancelWorkflowRunByID(ctx, c.owner, c.repo, id); err != nil {
		if err = classifyGitHubError("cancel workflow run", err); err != nil {
			return Pipeline{}, err
		}
	}
	return c.GetPipeline(ctx, id)
}

func (c *githubClient) ListPipelineJobs(ctx context.Context, pipelineID int64) ([]Job, error) {
	opts := &github.ListWorkflowJobsOptions{ListOptions: github.ListOptions{PerPage: 100}}

	var results []Job
	for {
		jobs, resp, err := c.client.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, pipelineID, opts)
		if err != nil {
			return nil, classifyGitHubError("list workflow jobs", err)
		}
		if jobs != nil {
			for _, j := range jobs.Jobs {
				if j == nil {
					continue
				}
				results = append(results, Job{
					ID:     j.GetID(),
					Name:   j.GetName(),
					Status: runStatus(j.GetStatus(), j.GetConclusion()),
					URL:    j.GetHTMLURL(),
				})
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return results, nil
}

func (c *githubClient) JobTrace(ctx context.Context, jobID int64) (string, error) {
	req, err := c.client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/actions/jobs/%d/logs", c.owner, c.repo, jobID), nil)
	if err != nil {
		return "", fmt.Errorf("get job logs: build request: %w", err)
	}
	var buf bytes.Buffer
	if _, err := c.client.Do(ctx, req, &buf); err != nil {
		return "", classifyGitHubError("get job logs", err)
	}
	return buf.String(), nil
}

func (c *githubClient) JobArtifacts(context.Context, int64) ([]byte, error) {
	return nil, &BusinessError{
		Op:      "get job artifacts",
		Kind:    KindOther,
		Message: "job artifacts are not supported for GitHub Actions; download run artifacts instead",
	}
}

func (c *githubClient) ListMembers(ctx context.Context) ([]Member, error) {
	opts := &github.ListCollaboratorsOptions{ListOptions: github.ListOptions{PerPage: 100}}

	var results []Member
	for {
		users, resp, err := c.client.Repositories.ListCollaborators(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classifyGitHubError("list collaborators", err)
		}
		for _, u := range users {
			if u == nil {
				continue
			}
			results = append(results, Member{ID: u.GetID(), Username: u.GetLogin(), Name: u.GetName()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return results, nil
}

func pullRequestRecord(pr *github.PullRequest) MergeRequest {
	state := StateOpened
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		state = StateMerged
	case pr.GetState() == "closed":
		state = StateClosed
	}

	record := MergeRequest{
		ID:        pr.GetID(),
		IID:       pr.GetNumber(),
		Title:     pr.GetTitle(),
		URL:       pr.GetHTMLURL(),
		State:     state,
		CreatedAt: pr.GetCreatedAt().Time,
	}
	if head := pr.GetHead(); head != nil {
		record.SourceBranch = head.GetRef()
	}
	if base := pr.GetBase(); base != nil {
		record.TargetBranch = base.GetRef()
	}
	return record
}

func workflowRunRecord(run *github.WorkflowRun) Pipeline {
	return Pipeline{
		ID:        run.GetID(),
		Status:    runStatus(run.GetStatus(), run.GetConclusion()),
		Ref:       run.GetHeadBranch(),
		URL:       run.GetHTMLURL(),
		CreatedAt: run.GetCreatedAt().Time,
		UpdatedAt: run.GetUpdatedAt().Time,
	}
}

// runStatus folds GitHub's status/conclusion pair into pipeline statuses.
func runStatus(status, conclusion string) string {
	switch status {
	case "queued", "waiting", "requested", "pending":
		return PipelinePending
	case "in_progress":
		return PipelineRunning
	case "completed":
		switch conclusion {
		case "success":
			return PipelineSuccess
		case "failure", "timed_out", "startup_failure":
			return PipelineFailed
		case "cancelled":
			return PipelineCanceled
		default:
			return conclusion
		}
	default:
		return status
	}
}

func githubRunStatusFilter(status string) string {
	switch status {
	case PipelinePending:
		return "queued"
	case PipelineRunning:
		return "in_progress"
	case PipelineSuccess:
		return "success"
	case PipelineFailed:
		return "failure"
	case PipelineCanceled:
		return "cancelled"
	default:
		return status
	}
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var githubErr *github.ErrorResponse
	if errors.As(err, &githubErr) {
		if githubErr.Response != nil && githubErr.Response.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}

// classifyGitHubError maps go-github failures onto TransportError and
// BusinessError. A 202 Accepted is not a failure and maps to nil.
func classifyGitHubError(op string, err error) error {
	if err == nil {
		return nil
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return nil
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		status := http.StatusForbidden
		if rateLimitErr.Response != nil {
			status = rateLimitErr.Response.StatusCode
		}
		return &BusinessError{Op: op, StatusCode: status, Kind: KindOther, Message: rateLimitErr.Message}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		status := http.StatusForbidden
		if abuseErr.Response != nil {
			status = abuseErr.Response.StatusCode
		}
		return &BusinessError{Op: op, StatusCode: status, Kind: KindOther, Message: abuseErr.Message}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		bizErr := newBusinessError(op, status, githubMessage(respErr))
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(bizErr.Message), "already exists") {
			bizErr.Kind = KindAlreadyExists
		}
		if isNotFound(nil, err) {
			bizErr.Kind = KindNotFound
		}
		return bizErr
	}

	return &TransportError{Op: op, Err: err}
}

func githubMessage(respErr *github.ErrorResponse) string {
	parts := []string{}
	if respErr.Message != "" {
		parts = append(parts, respErr.Message)
	}
	for _, e := range respErr.Errors {
		if e.Message != "" {
			parts = append(parts, e.Message)
		} else if e.Code != "" {
			parts = append(parts, fmt.Sprintf("%s %s %s", e.Resource, e.Field, e.Code))
		}
	}
	return strings.Join(parts, "; ")
}
