package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/app"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

type statusReport struct {
	git.RepositoryStatus `yaml:",inline"`
	Category             policy.Category `json:"category,omitempty" yaml:"category,omitempty"`
	AllowsPush           bool            `json:"allows_push" yaml:"allows_push"`
	Project              string          `json:"project,omitempty" yaml:"project,omitempty"`
}

func newStatusCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current branch, its category and working tree state",
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

			report := statusReport{RepositoryStatus: status, Project: a.Location.Project.Path}
			if !status.Detached() {
				report.Category = a.Config().BranchPolicy().Classify(status.CurrentBranch)
				report.AllowsPush = report.Category.AllowsPush()
			}
			return o.render(report, report.writeText)
		},
	}
}

func (r statusReport) writeText(w io.Writer) error {
	var b strings.Builder
	if r.Detached() {
		b.WriteString("HEAD is detached\n")
	} else {
		fmt.Fprintf(&b, "On branch %s (%s)\n", r.CurrentBranch, r.Category)
		if !r.AllowsPush {
			b.WriteString("Pushing is not allowed from this branch.\n")
		}
	}
	if r.Project != "" {
		fmt.Fprintf(&b, "Project: %s\n", r.Project)
	}

	switch up := r.Upstream; {
	case !up.HasUpstream:
		b.WriteString("No upstream configured.\n")
	case up.Ahead == 0 && up.Behind == 0:
		fmt.Fprintf(&b, "Up to date with %s.\n", up.Upstream)
	default:
		fmt.Fprintf(&b, "Ahead %d, behind %d of %s.\n", up.Ahead, up.Behind, up.Upstream)
	}

	if !r.IsDirty {
		b.WriteString("Working tree clean.\n")
	} else {
		fmt.Fprintf(&b, "%d changed file(s):\n", len(r.ModifiedFiles))
		for _, f := range r.ModifiedFiles {
			if f.OrigPath != "" {
				fmt.Fprintf(&b, "  %-10s %s -> %s\n", f.Kind, f.OrigPath, f.Path)
				continue
			}
			fmt.Fprintf(&b, "  %-10s %s\n", f.Kind, f.Path)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type classifyReport struct {
	Branch     string          `json:"branch" yaml:"branch"`
	Category   policy.Category `json:"category" yaml:"category"`
	AllowsPush bool            `json:"allows_push" yaml:"allows_push"`
}

func newClassifyCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <branch>",
		Short: "Show the policy category of a branch name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(o.configPath)
			if err != nil {
				return err
			}
			branch := policy.NormalizeBranch(args[0])
			category := cfg.BranchPolicy().Classify(branch)
			report := classifyReport{
				Branch:     branch,
				Category:   category,
				AllowsPush: category.AllowsPush(),
			}
			return o.render(report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %s\n", report.Branch, report.Category)
				return err
			})
		},
	}
}

func newProbeCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check for conflicts without touching the working tree",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "merge <target>",
		Short: "Probe merging <target> into the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			result, err := a.Prober.ProbeMerge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return o.render(result, probeText(result))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cherry-pick <source> <target>",
		Short: "Probe replaying the commits of <source> onto <target>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			result, err := a.Prober.ProbeCherryPick(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return o.render(result, probeText(result))
		},
	})
	return cmd
}

func probeText(r git.ProbeResult) func(io.Writer) error {
	return func(w io.Writer) error {
		var b strings.Builder
		switch r.Outcome {
		case git.ProbeClear:
			b.WriteString("No conflicts.\n")
		case git.ProbeConflict:
			b.WriteString("Conflicts detected")
			if len(r.ConflictingPaths) > 0 {
				b.WriteString(":\n")
				for _, p := range r.ConflictingPaths {
					b.WriteString("  " + p + "\n")
				}
			} else {
				b.WriteString(".\n")
			}
		default:
			b.WriteString("Probe was inconclusive.\n")
		}
		if r.Diagnostic != "" && r.Outcome != git.ProbeClear {
			b.WriteString(r.Diagnostic + "\n")
		}
		_, err := io.WriteString(w, b.String())
		return err
	}
}
