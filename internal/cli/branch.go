package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

func newBranchCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "List, switch and create branches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local and remote branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			branches, err := a.Reader.Branches(cmd.Context())
			if err != nil {
				return err
			}
			p := a.Config().BranchPolicy()
			return o.render(branches, func(w io.Writer) error {
				for _, b := range branches {
					marker := " "
					if b.Current {
						marker = "*"
					}
					name := b.Name
					if b.Remote {
						name = a.Reader.Remote() + "/" + b.Name
					}
					if _, err := fmt.Fprintf(w, "%s %-40s %s\n", marker, name, p.Classify(b.Name)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "switch <query>",
		Short: "Check out the branch best matching <query>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			branches, err := a.Reader.Branches(cmd.Context())
			if err != nil {
				return err
			}
			matches := git.MatchBranches(args[0], branches)
			if len(matches) == 0 {
				return fmt.Errorf("no branch matches %q", args[0])
			}
			target := matches[0]
			if len(matches) > 1 {
				fmt.Fprintf(o.errOut, "%d branches match %q, using %s\n", len(matches), args[0], target)
			}
			if err := a.Reader.Checkout(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Switched to %s (%s)\n", target, a.Config().BranchPolicy().Classify(target))
			return nil
		},
	})

	var from string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create and check out a new branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := policy.NormalizeBranch(args[0])
			if err := policy.ValidateBranchName(name); err != nil {
				return err
			}
			a, err := o.application()
			if err != nil {
				return err
			}
			if err := a.Reader.CreateBranch(cmd.Context(), name, from); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Created %s (%s)\n", name, a.Config().BranchPolicy().Classify(name))
			return nil
		},
	}
	create.Flags().StringVar(&from, "from", "", "Start point (default: HEAD)")
	cmd.AddCommand(create)

	return cmd
}

func newTagsCommand(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List tags, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			tags, err := a.Reader.Tags(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return o.render(tags, func(w io.Writer) error {
				for _, t := range tags {
					if _, err := fmt.Fprintln(w, t); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of tags (0 for all)")
	return cmd
}
