package cli

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/app"
	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/mcpserver"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
	"github.com/rancher/branchflow/internal/tui"
	"github.com/rancher/branchflow/internal/watch"
)

func newWatchCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the current branch and its pipelines",
		Long: `Poll the repository and the CI service and show changes as they happen.
When stdout is not a terminal one line is printed per change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			start := watchers(a)

			if o.interactive() && o.terminalOutput() {
				return tui.Run(cmd.Context(), o.in, o.out, start)
			}
			printer := tui.NewPrinter(o.out)
			err = start(cmd.Context(), printer.Send)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// watchers returns the function running the branch watcher, plus the
// pipeline watcher when a forge client is available.
func watchers(a *app.App) tui.StartFunc {
	return func(ctx context.Context, send func(any)) error {
		cfg := a.Config()
		log := a.Logger()

		var current atomic.Value
		current.Store("")

		branch := watch.NewBranchWatcher(a.Reader, cfg.BranchPolicy(), log, func(c watch.BranchChange) {
			current.Store(c.Current)
			send(c)
		})
		branch.Interval = cfg.Poll.BranchInterval
		running := []watch.Watcher{branch}

		client, err := a.Forge(ctx)
		if err != nil {
			log.Warn("pipeline watching disabled", "error", err)
		} else {
			pipelines := watch.NewPipelineWatcher(client, log, func() string {
				return current.Load().(string)
			}, func(c watch.PipelineChange) {
				if !c.Initial {
					a.Notifier.PipelineChanged(c.Pipeline)
				}
				send(c)
			})
			pipelines.Interval = cfg.Poll.PipelineInterval
			running = append(running, pipelines)
		}
		return watch.Run(ctx, running...)
	}
}

func newMCPCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol over stdio",
		Long: `Start an MCP server on stdin/stdout so editors and agents can read the
repository state, run conflict probes and submit merge requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			return mcpserver.NewServer(mcpBackend(a)).Serve()
		},
	}
}

func mcpBackend(a *app.App) mcpserver.Backend {
	source := a.ConfigSource()
	return mcpserver.Backend{
		Repo:      a.Reader,
		Prober:    a.Prober,
		Pipelines: lazyPipelines{app: a},
		Policy: func(ctx context.Context) (policy.Policy, error) {
			cfg, err := source.Load(ctx)
			if err != nil {
				return policy.Policy{}, err
			}
			return cfg.Policy, nil
		},
		Submit: func(ctx context.Context, req orchestrator.Request, createSync bool) (orchestrator.Result, error) {
			orch, err := a.Orchestrator(ctx, orchestrator.PrompterFunc(func(context.Context, policy.SyncProposal) (bool, error) {
				return createSync, nil
			}))
			if err != nil {
				return orchestrator.Result{}, err
			}
			return orch.Run(ctx, req)
		},
	}
}

// lazyPipelines defers creating the forge client until a tool needs it.
type lazyPipelines struct {
	app *app.App
}

func (l lazyPipelines) ListPipelines(ctx context.Context, opts forge.ListPipelinesOptions) ([]forge.Pipeline, error) {
	client, err := l.app.Forge(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListPipelines(ctx, opts)
}
