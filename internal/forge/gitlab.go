package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

const (
	defaultGitLabURL = "https://gitlab.com"
	defaultTimeout   = 30 * time.Second
	gitlabPerPage    = 100
	defaultUserAgent = "branchflow"
)

// NewGitLabFactory returns a Factory for GitLab's v4 REST API.
func NewGitLabFactory() Factory {
	return gitlabFactory{}
}

type gitlabFactory struct{}

func (gitlabFactory) New(_ context.Context, opts Options) (Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("gitlab token is required")
	}
	project := strings.Trim(strings.TrimSpace(opts.Project), "/")
	if project == "" {
		return nil, fmt.Errorf("gitlab project is required")
	}

	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = defaultGitLabURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse gitlab base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("gitlab base url must include scheme and host")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Retries stay off: a failed call is reported, never repeated behind the
	// caller's back.
	api, err := gitlab.NewOAuthClient(opts.Token,
		gitlab.WithBaseURL(parsed.String()),
		gitlab.WithHTTPClient(&http.Client{Timeout: timeout}),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	api.UserAgent = defaultUserAgent

	return &gitlabClient{api: api, project: project}, nil
}

type gitlabClient struct {
	api     *gitlab.Client
	project string
}

func mergeRequestRecord(id int64, iid int, title, webURL, state, source, target string, created *time.Time) MergeRequest {
	mr := MergeRequest{
		ID:           id,
		IID:          iid,
		Title:        title,
		URL:          webURL,
		State:        state,
		SourceBranch: source,
		TargetBranch: target,
	}
	if created != nil {
		mr.CreatedAt = *created
	}
	return mr
}

func gitlabMergeRequest(m *gitlab.MergeRequest) MergeRequest {
	if m == nil {
		return MergeRequest{}
	}
	return mergeRequestRecord(int64(m.ID), int(m.IID), m.Title, m.WebURL, m.State, m.SourceBranch, m.TargetBranch, m.CreatedAt)
}

func pipelineRecord(id int64, status, ref, webURL string, created, updated *time.Time) Pipeline {
	p := Pipeline{ID: id, Status: status, Ref: ref, URL: webURL}
	if created != nil {
		p.CreatedAt = *created
	}
	if updated != nil {
		p.UpdatedAt = *updated
	}
	return p
}

func gitlabPipeline(p *gitlab.Pipeline) Pipeline {
	if p == nil {
		return Pipeline{}
	}
	return pipelineRecord(int64(p.ID), p.Status, p.Ref, p.WebURL, p.CreatedAt, p.UpdatedAt)
}

func (c *gitlabClient) CurrentUser(ctx context.Context) (User, error) {
	u, resp, err := c.api.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		return User{}, gitlabError("get current user", resp, err)
	}
	return User{ID: int64(u.ID), Username: u.Username, Name: u.Name}, nil
}

func (c *gitlabClient) CreateMergeRequest(ctx context.Context, draft MergeRequestDraft) (MergeRequest, error) {
	opt := &gitlab.CreateMergeRequestOptions{
		Title:              gitlab.Ptr(draft.Title),
		Description:        gitlab.Ptr(draft.Description),
		SourceBranch:       gitlab.Ptr(draft.SourceBranch),
		TargetBranch:       gitlab.Ptr(draft.TargetBranch),
		RemoveSourceBranch: gitlab.Ptr(draft.RemoveSourceBranch),
		Squash:             gitlab.Ptr(draft.Squash),
	}
	if len(draft.ReviewerIDs) > 0 {
		opt.ReviewerIDs = gitlab.Ptr(append([]int(nil), draft.ReviewerIDs...))
	}

	mr, resp, err := c.api.MergeRequests.CreateMergeRequest(c.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, gitlabError("create merge request", resp, err)
	}
	return gitlabMergeRequest(mr), nil
}

func (c *gitlabClient) GetMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	mr, resp, err := c.api.MergeRequests.GetMergeRequest(c.project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, gitlabError("get merge request", resp, err)
	}
	return gitlabMergeRequest(mr), nil
}

func (c *gitlabClient) ListMergeRequests(ctx context.Context, opts ListMergeRequestsOptions) ([]MergeRequest, error) {
	opt := &gitlab.ListProjectMergeRequestsOptions{
		State:        optional(opts.State),
		TargetBranch: optional(opts.TargetBranch),
		SourceBranch: optional(opts.SourceBranch),
	}

	var results []MergeRequest
	err := paginate("list merge requests", &opt.ListOptions, opts.Limit, func() (int, *gitlab.Response, error) {
		page, resp, err := c.api.MergeRequests.ListProjectMergeRequests(c.project, opt, gitlab.WithContext(ctx))
		for _, m := range page {
			results = append(results, mergeRequestRecord(int64(m.ID), int(m.IID), m.Title, m.WebURL, m.State, m.SourceBranch, m.TargetBranch, m.CreatedAt))
		}
		return len(page), resp, err
	})
	return truncate(results, opts.Limit), err
}

func (c *gitlabClient) ApproveMergeRequest(ctx context.Context, iid int) error {
	_, resp, err := c.api.MergeRequestApprovals.ApproveMergeRequest(c.project, iid, nil, gitlab.WithContext(ctx))
	return gitlabError("approve merge request", resp, err)
}

func (c *gitlabClient) MergeMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	mr, resp, err := c.api.MergeRequests.AcceptMergeRequest(c.project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, gitlabError("merge merge request", resp, err)
	}
	return gitlabMergeRequest(mr), nil
}

func (c *gitlabClient) CloseMergeRequest(ctx context.Context, iid int) (MergeRequest, error) {
	opt := &gitlab.UpdateMergeRequestOptions{StateEvent: gitlab.Ptr("close")}
	mr, resp, err := c.api.MergeRequests.UpdateMergeRequest(c.project, iid, opt, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, gitlabError("close merge request", resp, err)
	}
	return gitlabMergeRequest(mr), nil
}

func (c *gitlabClient) TriggerPipeline(ctx context.Context, ref string, variables map[string]string) (Pipeline, error) {
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opt := &gitlab.CreatePipelineOptions{Ref: gitlab.Ptr(ref)}
	if len(keys) > 0 {
		vars := make([]*gitlab.PipelineVariableOptions, 0, len(keys))
		for _, k := range keys {
			vars = append(vars, &gitlab.PipelineVariableOptions{Key: gitlab.Ptr(k), Value: gitlab.Ptr(variables[k])})
		}
		opt.Variables = &vars
	}

	p, resp, err := c.api.Pipelines.CreatePipeline(c.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return Pipeline{}, gitlabError("trigger pipeline", resp, err)
	}
	return gitlabPipeline(p), nil
}

func (c *gitlabClient) ListPipelines(ctx context.Context, opts ListPipelinesOptions) ([]Pipeline, error) {
	opt := &gitlab.ListProjectPipelinesOptions{
		Ref:     optional(opts.Ref),
		OrderBy: gitlab.Ptr("id"),
		Sort:    gitlab.Ptr("desc"),
	}
	if status := strings.TrimSpace(opts.Status); status != "" {
		opt.Status = gitlab.Ptr(gitlab.BuildStateValue(status))
	}

	var results []Pipeline
	err := paginate("list pipelines", &opt.ListOptions, opts.Limit, func() (int, *gitlab.Response, error) {
		page, resp, err := c.api.Pipelines.ListProjectPipelines(c.project, opt, gitlab.WithContext(ctx))
		for _, p := range page {
			results = append(results, pipelineRecord(int64(p.ID), p.Status, p.Ref, p.WebURL, p.CreatedAt, p.UpdatedAt))
		}
		return len(page), resp, err
	})
	return truncate(results, opts.Limit), err
}

func (c *gitlabClient) GetPipeline(ctx context.Context, id int64) (Pipeline, error) {
	p, resp, err := c.api.Pipelines.GetPipeline(c.project, int(id), gitlab.WithContext(ctx))
	if err != nil {
		return Pipeline{}, gitlabError("get pipeline", resp, err)
	}
	return gitlabPipeline(p), nil
}

func (c *gitlabClient) RetryPipeline(ctx context.Context, id int64) (Pipeline, error) {
	p, resp, err := c.api.Pipelines.RetryPipelineBuild(c.project, int(id), gitlab.WithContext(ctx))
	if err != nil {
		return Pipeline{}, gitlabError("retry pipeline", resp, err)
	}
	return gitlabPipeline(p), nil
}

func (c *gitlabClient) CancelPipeline(ctx context.Context, id int64) (Pipeline, error) {
	p, resp, err := c.api.Pipelines.CancelPipelineBuild(c.project, int(id), gitlab.WithContext(ctx))
	if err != nil {
		return Pipeline{}, gitlabError("cancel pipeline", resp, err)
	}
	return gitlabPipeline(p), nil
}

func (c *gitlabClient) ListPipelineJobs(ctx context.Context, pipelineID int64) ([]Job, error) {
	opt := &gitlab.ListJobsOptions{}

	var results []Job
	err := paginate("list pipeline jobs", &opt.ListOptions, 0, func() (int, *gitlab.Response, error) {
		page, resp, err := c.api.Jobs.ListPipelineJobs(c.project, int(pipelineID), opt, gitlab.WithContext(ctx))
		for _, j := range page {
			results = append(results, Job{ID: int64(j.ID), Name: j.Name, Stage: j.Stage, Status: j.Status, URL: j.WebURL})
		}
		return len(page), resp, err
	})
	return results, err
}

func (c *gitlabClient) JobTrace(ctx context.Context, jobID int64) (string, error) {
	trace, resp, err := c.api.Jobs.GetTraceFile(c.project, int(jobID), gitlab.WithContext(ctx))
	if err != nil {
		return "", gitlabError("get job trace", resp, err)
	}
	body, err := io.ReadAll(trace)
	if err != nil {
		return "", fmt.Errorf("get job trace: %w", err)
	}
	return string(body), nil
}

func (c *gitlabClient) JobArtifacts(ctx context.Context, jobID int64) ([]byte, error) {
	artifacts, resp, err := c.api.Jobs.GetJobArtifacts(c.project, int(jobID), gitlab.WithContext(ctx))
	if err != nil {
		return nil, gitlabError("get job artifacts", resp, err)
	}
	body, err := io.ReadAll(artifacts)
	if err != nil {
		return nil, fmt.Errorf("get job artifacts: %w", err)
	}
	return body, nil
}

func (c *gitlabClient) ListMembers(ctx context.Context) ([]Member, error) {
	opt := &gitlab.ListProjectMembersOptions{}

	var results []Member
	err := paginate("list members", &opt.ListOptions, 0, func() (int, *gitlab.Response, error) {
		page, resp, err := c.api.ProjectMembers.ListAllProjectMembers(c.project, opt, gitlab.WithContext(ctx))
		for _, m := range page {
			results = append(results, Member{ID: int64(m.ID), Username: m.Username, Name: m.Name})
		}
		return len(page), resp, err
	})
	return results, err
}

// paginate walks the X-Next-Page chain until it ends or limit records were
// read. fetch reads the page currently set in list.
func paginate(op string, list *gitlab.ListOptions, limit int, fetch func() (int, *gitlab.Response, error)) error {
	list.PerPage = gitlabPerPage
	list.Page = 1
	read := 0
	for {
		n, resp, err := fetch()
		if err != nil {
			return gitlabError(op, resp, err)
		}
		read += n
		if limit > 0 && read >= limit {
			return nil
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		list.Page = resp.NextPage
	}
}

// gitlabError maps a client-go failure onto BusinessError or TransportError.
func gitlabError(op string, resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}

	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		msg := errorMessage(errResp.Body)
		if msg == "" {
			msg = http.StatusText(errResp.Response.StatusCode)
		}
		return newBusinessError(op, errResp.Response.StatusCode, msg)
	}

	if resp != nil && resp.Response != nil {
		if resp.StatusCode >= 400 {
			return newBusinessError(op, resp.StatusCode, err.Error())
		}
		// A response arrived but its body could not be decoded.
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransportError{Op: op, Err: err}
}

// errorMessage extracts the service's error text. GitLab puts it in
// "message" as a string, a list of strings or a field -> errors object, and
// OAuth failures use "error". Both are kept when both are present.
func errorMessage(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var parts []string
		if msg := flattenMessage(payload.Message); msg != "" {
			parts = append(parts, msg)
		}
		if msg := flattenMessage(payload.Error); msg != "" {
			parts = append(parts, msg)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return strings.TrimSpace(string(body))
}

func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+" "+flattenMessage(fields[k]))
		}
		return strings.Join(parts, "; ")
	}

	return string(raw)
}

func optional(value string) *string {
	if value = strings.TrimSpace(value); value == "" {
		return nil
	}
	return gitlab.Ptr(value)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
