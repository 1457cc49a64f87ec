package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/app"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
)

func newCommitCommand(o *rootOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Stage every change and commit on a feature or database branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			status, err := a.Reader.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if status.Detached() {
				return &policy.ValidationError{Field: "branch", Message: "HEAD is detached"}
			}
			if category := a.Config().BranchPolicy().Classify(status.CurrentBranch); !category.AllowsPush() {
				return &policy.ValidationError{
					Field:   "branch",
					Message: fmt.Sprintf("%s is a %s branch; commit on a feature branch", status.CurrentBranch, category),
				}
			}
			if o.dryRun {
				fmt.Fprintf(o.out, "Would commit %d file(s) on %s.\n", len(status.ModifiedFiles), status.CurrentBranch)
				return nil
			}
			if err := a.Reader.Commit(cmd.Context(), message); err != nil {
				if errors.Is(err, git.ErrNothingToCommit) {
					fmt.Fprintln(o.out, "Nothing to commit.")
					return nil
				}
				return err
			}
			fmt.Fprintf(o.out, "Committed %d file(s) on %s.\n", len(status.ModifiedFiles), status.CurrentBranch)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

type submitOptions struct {
	title       string
	description string
	target      string
	squash      bool
	keepSource  bool
	reviewers   []int
	yes         bool
	noSync      bool
}

func newSubmitCommand(o *rootOptions) *cobra.Command {
	var s submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Push the current branch and open its merge request",
		Long: `Push the current branch and open a merge request to the integration
branch. For bugfix branches targeting one of the sync pair, a second merge
request to the other branch is offered after a conflict probe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.yes && s.noSync {
				return errors.New("--yes and --no-sync are mutually exclusive")
			}
			a, err := o.application()
			if err != nil {
				return err
			}

			prompter := newPrompter(o.in, o.errOut, o.interactive(), s.yes)
			orch, err := a.Orchestrator(cmd.Context(), prompter, progressPrinter(o.errOut))
			if err != nil {
				return err
			}

			result, runErr := orch.Run(cmd.Context(), orchestrator.Request{
				Title:              s.title,
				Description:        s.description,
				TargetBranch:       s.target,
				Squash:             s.squash,
				RemoveSourceBranch: !s.keepSource,
				ReviewerIDs:        s.reviewers,
				SkipSync:           s.noSync,
			})
			report := app.NewWorkflowReport(result, runErr)
			if err := o.render(report, report.WriteText); err != nil {
				return err
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&s.title, "title", "t", "", "Merge request title")
	flags.StringVarP(&s.description, "description", "d", "", "Merge request description")
	flags.StringVar(&s.target, "target", "", "Target branch (default: the integration branch)")
	flags.BoolVar(&s.squash, "squash", false, "Squash commits when merging")
	flags.BoolVar(&s.keepSource, "keep-source", false, "Keep the source branch after merge")
	flags.IntSliceVar(&s.reviewers, "reviewer", nil, "Reviewer user ID (repeatable)")
	flags.BoolVarP(&s.yes, "yes", "y", false, "Open the sync merge request without asking")
	flags.BoolVar(&s.noSync, "no-sync", false, "Never propose a sync merge request")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func progressPrinter(w io.Writer) func(orchestrator.Event) {
	return func(ev orchestrator.Event) {
		switch ev.Kind {
		case orchestrator.EventStepCompleted:
			fmt.Fprintf(w, "  ✓ %s\n", stepLabel(ev.Step))
		case orchestrator.EventFailed:
			fmt.Fprintf(w, "  ✗ %s\n", ev.Headline)
		}
	}
}

func stepLabel(s orchestrator.State) string {
	switch s {
	case orchestrator.StatePushing:
		return "pushed"
	case orchestrator.StateCreatingMergeRequest:
		return "merge request opened"
	case orchestrator.StateEvaluatingSync:
		return "sync evaluated"
	case orchestrator.StateProbingSyncConflict:
		return "sync conflict probe finished"
	case orchestrator.StatePromptingUser:
		return "sync answered"
	case orchestrator.StateCreatingSyncMergeRequest:
		return "sync merge request opened"
	default:
		return string(s)
	}
}

// newPrompter asks on a terminal, accepts when yes is set and declines
// otherwise.
func newPrompter(in io.Reader, out io.Writer, interactive, yes bool) orchestrator.Prompter {
	if yes {
		return orchestrator.PrompterFunc(func(context.Context, policy.SyncProposal) (bool, error) {
			return true, nil
		})
	}
	if !interactive {
		return orchestrator.PrompterFunc(func(_ context.Context, p policy.SyncProposal) (bool, error) {
			fmt.Fprintf(out, "Skipping sync merge request to %s; rerun with --yes to open it.\n", p.SyncTarget)
			return false, nil
		})
	}
	reader := bufio.NewReader(in)
	return orchestrator.PrompterFunc(func(ctx context.Context, p policy.SyncProposal) (bool, error) {
		fmt.Fprint(out, syncQuestion(p))
		return readAnswer(ctx, reader)
	})
}

func syncQuestion(p policy.SyncProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s was opened against %s.\n", p.Primary.Reference(), p.Primary.TargetBranch)
	switch p.Probe.Outcome {
	case git.ProbeConflict:
		fmt.Fprintf(&b, "Cherry-picking onto %s conflicts", p.SyncTarget)
		if len(p.Probe.ConflictingPaths) > 0 {
			fmt.Fprintf(&b, " in %s", strings.Join(p.Probe.ConflictingPaths, ", "))
		}
		b.WriteString(".\n")
	case git.ProbeClear:
		fmt.Fprintf(&b, "Cherry-picking onto %s applies cleanly.\n", p.SyncTarget)
	default:
		fmt.Fprintf(&b, "The conflict check against %s was inconclusive.\n", p.SyncTarget)
	}
	fmt.Fprintf(&b, "Open a sync merge request to %s? [y/N] ", p.SyncTarget)
	return b.String()
}

func readAnswer(ctx context.Context, r *bufio.Reader) (bool, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
