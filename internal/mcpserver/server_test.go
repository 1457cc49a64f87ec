package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
)

type mockRepo struct {
	status git.RepositoryStatus
	err    error
}

func (m *mockRepo) Snapshot(context.Context) (git.RepositoryStatus, error) {
	return m.status, m.err
}

type mockProber struct {
	source, target string
	result         git.ProbeResult
	err            error
}

func (m *mockProber) ProbeMerge(_ context.Context, target string) (git.ProbeResult, error) {
	m.target = target
	return m.result, m.err
}

func (m *mockProber) ProbeCherryPick(_ context.Context, source, target string) (git.ProbeResult, error) {
	m.source, m.target = source, target
	return m.result, m.err
}

type mockPipelines struct {
	opts      forge.ListPipelinesOptions
	pipelines []forge.Pipeline
}

func (m *mockPipelines) ListPipelines(_ context.Context, opts forge.ListPipelinesOptions) ([]forge.Pipeline, error) {
	m.opts = opts
	return m.pipelines, nil
}

func newTestServer(repo *mockRepo, prober *mockProber, pipelines *mockPipelines, submit SubmitFunc) *Server {
	return NewServer(Backend{
		Repo:      repo,
		Prober:    prober,
		Pipelines: pipelines,
		Policy:    func(context.Context) (policy.Policy, error) { return policy.Default(), nil },
		Submit:    submit,
	})
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("expected tool content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestNewServer(t *testing.T) {
	server := newTestServer(&mockRepo{}, &mockProber{}, &mockPipelines{}, nil)
	if server.server == nil {
		t.Fatal("NewServer() did not create MCP server")
	}
}

func TestServer_handleStatus(t *testing.T) {
	repo := &mockRepo{status: git.RepositoryStatus{CurrentBranch: "develop", IsDirty: true}}
	server := newTestServer(repo, &mockProber{}, &mockPipelines{}, nil)

	result, err := server.handleStatus(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleStatus() error = %v", err)
	}

	var payload struct {
		Category   string `json:"category"`
		AllowsPush bool   `json:"allows_push"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload.Category != "protected" || payload.AllowsPush {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestServer_handleStatus_SnapshotError(t *testing.T) {
	server := newTestServer(&mockRepo{err: errors.New("boom")}, &mockProber{}, &mockPipelines{}, nil)
	if _, err := server.handleStatus(context.Background(), callRequest(nil)); err == nil {
		t.Fatal("expected error from handleStatus()")
	}
}

func TestServer_handleClassify(t *testing.T) {
	tests := []struct {
		branch string
		want   string
	}{
		{"main", "main"},
		{"develop", "protected"},
		{"develop-database", "database"},
		{"feature/login", "feature"},
	}
	server := newTestServer(&mockRepo{}, &mockProber{}, &mockPipelines{}, nil)

	for _, tt := range tests {
		result, err := server.handleClassify(context.Background(), callRequest(map[string]any{"branch": tt.branch}))
		if err != nil {
			t.Fatalf("handleClassify(%q) error = %v", tt.branch, err)
		}
		if !strings.Contains(resultText(t, result), `"category": "`+tt.want+`"`) {
			t.Errorf("handleClassify(%q) = %s, want %s", tt.branch, resultText(t, result), tt.want)
		}
	}
}

func TestServer_handleClassify_Detached(t *testing.T) {
	server := newTestServer(&mockRepo{}, &mockProber{}, &mockPipelines{}, nil)
	result, err := server.handleClassify(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleClassify() error = %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error for detached HEAD")
	}
}

func TestServer_handleProbe_CherryPickDefaultsToCurrentBranch(t *testing.T) {
	repo := &mockRepo{status: git.RepositoryStatus{CurrentBranch: "bugfix/login-crash"}}
	prober := &mockProber{result: git.ProbeResult{Outcome: git.ProbeConflict, HasConflict: true, ConflictingPaths: []string{"app.txt"}}}
	server := newTestServer(repo, prober, &mockPipelines{}, nil)

	result, err := server.handleProbe(context.Background(), callRequest(map[string]any{"kind": "cherry-pick", "target": "internal"}))
	if err != nil {
		t.Fatalf("handleProbe() error = %v", err)
	}
	if prober.source != "bugfix/login-crash" || prober.target != "internal" {
		t.Errorf("probe called with %q -> %q", prober.source, prober.target)
	}
	if !strings.Contains(resultText(t, result), "app.txt") {
		t.Errorf("expected conflicting path in %s", resultText(t, result))
	}
}

func TestServer_handleProbe_Errors(t *testing.T) {
	server := newTestServer(&mockRepo{}, &mockProber{err: &git.TimeoutError{Args: []string{"merge"}}}, &mockPipelines{}, nil)

	for name, args := range map[string]map[string]any{
		"missing kind":   {"target": "develop"},
		"missing target": {"kind": "merge"},
		"unknown kind":   {"kind": "rebase", "target": "develop"},
		"probe timeout":  {"kind": "merge", "target": "develop"},
	} {
		result, err := server.handleProbe(context.Background(), callRequest(args))
		if err != nil {
			t.Fatalf("%s: handleProbe() error = %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected a tool error", name)
		}
	}
}

func TestServer_handleSubmit(t *testing.T) {
	var (
		gotReq  orchestrator.Request
		gotSync bool
	)
	submit := func(_ context.Context, req orchestrator.Request, createSync bool) (orchestrator.Result, error) {
		gotReq, gotSync = req, createSync
		return orchestrator.Result{
			TaskID:  "task-1",
			State:   orchestrator.StateDone,
			Primary: &forge.MergeRequest{IID: 42, TargetBranch: "develop"},
		}, nil
	}
	server := newTestServer(&mockRepo{}, &mockProber{}, &mockPipelines{}, submit)

	result, err := server.handleSubmit(context.Background(), callRequest(map[string]any{
		"title":       "Fix login crash",
		"squash":      true,
		"create_sync": true,
	}))
	if err != nil {
		t.Fatalf("handleSubmit() error = %v", err)
	}
	if gotReq.Title != "Fix login crash" || !gotReq.Squash || !gotSync {
		t.Errorf("unexpected request %+v sync=%v", gotReq, gotSync)
	}
	if result.IsError || !strings.Contains(resultText(t, result), `"task_id": "task-1"`) {
		t.Errorf("unexpected result %s", resultText(t, result))
	}
}

func TestServer_handleSubmit_Failure(t *testing.T) {
	submit := func(context.Context, orchestrator.Request, bool) (orchestrator.Result, error) {
		return orchestrator.Result{State: orchestrator.StateFailed}, &forge.BusinessError{
			Op: "create merge request", StatusCode: 409, Kind: forge.KindAlreadyExists, Message: "exists",
		}
	}
	server := newTestServer(&mockRepo{}, &mockProber{}, &mockPipelines{}, submit)

	result, err := server.handleSubmit(context.Background(), callRequest(map[string]any{"title": "Fix"}))
	if err != nil {
		t.Fatalf("handleSubmit() error = %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "already exists") {
		t.Errorf("expected already exists tool error, got %s", resultText(t, result))
	}

	result, err = server.handleSubmit(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleSubmit() error = %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error without a title")
	}
}

func TestServer_handlePipelines(t *testing.T) {
	repo := &mockRepo{status: git.RepositoryStatus{CurrentBranch: "feature/login"}}
	pipelines := &mockPipelines{pipelines: []forge.Pipeline{{ID: 7, Status: forge.PipelineSuccess, Ref: "feature/login"}}}
	server := newTestServer(repo, &mockProber{}, pipelines, nil)

	result, err := server.handlePipelines(context.Background(), callRequest(map[string]any{"limit": float64(3)}))
	if err != nil {
		t.Fatalf("handlePipelines() error = %v", err)
	}
	if pipelines.opts.Ref != "feature/login" || pipelines.opts.Limit != 3 {
		t.Errorf("unexpected options %+v", pipelines.opts)
	}
	if !strings.Contains(resultText(t, result), `"total_count": 1`) {
		t.Errorf("unexpected result %s", resultText(t, result))
	}
}
