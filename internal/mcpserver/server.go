// Package mcpserver exposes the workflow over the Model Context Protocol so
// editors and agents can inspect the repository and submit merge requests.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
)

const (
	serverName    = "branchflow"
	serverVersion = "1.0.0"
)

// Repository reads the working tree state.
type Repository interface {
	Snapshot(ctx context.Context) (git.RepositoryStatus, error)
}

// Prober runs conflict probes.
type Prober interface {
	ProbeMerge(ctx context.Context, target string) (git.ProbeResult, error)
	ProbeCherryPick(ctx context.Context, source, target string) (git.ProbeResult, error)
}

// PipelineLister lists CI pipelines.
type PipelineLister interface {
	ListPipelines(ctx context.Context, opts forge.ListPipelinesOptions) ([]forge.Pipeline, error)
}

// SubmitFunc runs one workflow. createSync answers the sync prompt since an
// MCP client cannot be asked interactively.
type SubmitFunc func(ctx context.Context, req orchestrator.Request, createSync bool) (orchestrator.Result, error)

// Backend is everything the tools call into.
type Backend struct {
	Repo      Repository
	Prober    Prober
	Pipelines PipelineLister
	Policy    func(ctx context.Context) (policy.Policy, error)
	Submit    SubmitFunc
}

// Server implements the MCP server using mark3labs/mcp-go.
type Server struct {
	server  *server.MCPServer
	backend Backend
}

// NewServer creates a server with every tool registered.
func NewServer(backend Backend) *Server {
	s := &Server{backend: backend}
	s.server = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	s.registerTools()
	return s
}

// Serve answers requests on stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.server)
}

func (s *Server) registerTools() {
	s.server.AddTool(
		mcp.NewTool(
			"status",
			mcp.WithDescription("Current branch, its policy category, dirty state and upstream tracking"),
		),
		s.handleStatus,
	)

	s.server.AddTool(
		mcp.NewTool(
			"classify",
			mcp.WithDescription("Classify a branch name as main, protected, database or feature"),
			mcp.WithString("branch", mcp.Description("Branch to classify; defaults to the current branch")),
		),
		s.handleClassify,
	)

	s.server.AddTool(
		mcp.NewTool(
			"probe",
			mcp.WithDescription("Check whether a merge or cherry-pick would conflict without touching the working tree"),
			mcp.WithString("kind",
				mcp.Required(),
				mcp.Description("merge probes HEAD against target; cherry-pick replays source onto target"),
				mcp.Enum("merge", "cherry-pick"),
			),
			mcp.WithString("target", mcp.Required(), mcp.Description("Target branch")),
			mcp.WithString("source", mcp.Description("Source branch for cherry-pick; defaults to the current branch")),
		),
		s.handleProbe,
	)

	s.server.AddTool(
		mcp.NewTool(
			"submit",
			mcp.WithDescription("Push the current branch and open its merge request, plus the sync merge request for bugfix branches"),
			mcp.WithString("title", mcp.Required(), mcp.Description("Merge request title")),
			mcp.WithString("description", mcp.Description("Merge request description")),
			mcp.WithString("target", mcp.Description("Target branch; defaults to the integration branch")),
			mcp.WithBoolean("squash", mcp.Description("Squash commits on merge")),
			mcp.WithBoolean("create_sync", mcp.Description("Open the sync merge request when one is proposed")),
		),
		s.handleSubmit,
	)

	s.server.AddTool(
		mcp.NewTool(
			"pipelines",
			mcp.WithDescription("List recent CI pipelines"),
			mcp.WithString("ref", mcp.Description("Branch or tag; defaults to the current branch")),
			mcp.WithString("status", mcp.Description("Only pipelines with this status")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of pipelines (default: 10)")),
		),
		s.handlePipelines,
	)
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.backend.Repo.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository status: %w", err)
	}
	p, err := s.backend.Policy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch policy: %w", err)
	}

	result := map[string]any{
		"status":   status,
		"detached": status.Detached(),
	}
	if !status.Detached() {
		category := p.Classify(status.CurrentBranch)
		result["category"] = category
		result["allows_push"] = category.AllowsPush()
	}
	return jsonResult(result)
}

func (s *Server) handleClassify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := strings.TrimSpace(request.GetString("branch", ""))
	if branch == "" {
		status, err := s.backend.Repo.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read repository status: %w", err)
		}
		if status.Detached() {
			return mcp.NewToolResultError("HEAD is detached; pass a branch name"), nil
		}
		branch = status.CurrentBranch
	}

	p, err := s.backend.Policy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch policy: %w", err)
	}
	category := p.Classify(branch)
	return jsonResult(map[string]any{
		"branch":      policy.NormalizeBranch(branch),
		"category":    category,
		"allows_push": category.AllowsPush(),
	})
}

func (s *Server) handleProbe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required: " + err.Error()), nil
	}
	target, err := request.RequireString("target")
	if err != nil || strings.TrimSpace(target) == "" {
		return mcp.NewToolResultError("target is required"), nil
	}

	var result git.ProbeResult
	switch kind {
	case "merge":
		result, err = s.backend.Prober.ProbeMerge(ctx, target)
	case "cherry-pick":
		source := strings.TrimSpace(request.GetString("source", ""))
		if source == "" {
			status, snapErr := s.backend.Repo.Snapshot(ctx)
			if snapErr != nil {
				return nil, fmt.Errorf("failed to read repository status: %w", snapErr)
			}
			source = status.CurrentBranch
		}
		if source == "" {
			return mcp.NewToolResultError("HEAD is detached; pass a source branch"), nil
		}
		result, err = s.backend.Prober.ProbeCherryPick(ctx, source, target)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown probe kind %q", kind)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", orchestrator.Headline(err), err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("title is required: " + err.Error()), nil
	}

	req := orchestrator.Request{
		Title:        title,
		Description:  request.GetString("description", ""),
		TargetBranch: request.GetString("target", ""),
		Squash:       request.GetBool("squash", false),
	}
	result, err := s.backend.Submit(ctx, req, request.GetBool("create_sync", false))
	if err != nil {
		payload, marshalErr := json.MarshalIndent(map[string]any{
			"headline": orchestrator.Headline(err),
			"error":    err.Error(),
			"result":   result,
		}, "", "  ")
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", marshalErr)
		}
		return mcp.NewToolResultError(string(payload)), nil
	}
	return jsonResult(result)
}

func (s *Server) handlePipelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := strings.TrimSpace(request.GetString("ref", ""))
	if ref == "" {
		status, err := s.backend.Repo.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read repository status: %w", err)
		}
		ref = status.CurrentBranch
	}

	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}

	pipelines, err := s.backend.Pipelines.ListPipelines(ctx, forge.ListPipelinesOptions{
		Ref:    ref,
		Status: request.GetString("status", ""),
		Limit:  limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", orchestrator.Headline(err), err)), nil
	}
	return jsonResult(map[string]any{
		"ref":         ref,
		"pipelines":   pipelines,
		"total_count": len(pipelines),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
