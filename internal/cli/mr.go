package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/forge"
)

func newMergeRequestCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mr",
		Aliases: []string{"merge-request"},
		Short:   "Work with merge requests",
	}

	var list forge.ListMergeRequestsOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List merge requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			mrs, err := client.ListMergeRequests(cmd.Context(), list)
			if err != nil {
				return err
			}
			return o.render(mrs, func(w io.Writer) error {
				if len(mrs) == 0 {
					_, err := fmt.Fprintln(w, "No merge requests found.")
					return err
				}
				for _, mr := range mrs {
					if err := writeMergeRequest(w, mr); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&list.State, "state", forge.StateOpened, "opened, merged, closed or all")
	listCmd.Flags().StringVar(&list.TargetBranch, "target", "", "Only merge requests into this branch")
	listCmd.Flags().StringVar(&list.SourceBranch, "source", "", "Only merge requests from this branch")
	listCmd.Flags().IntVarP(&list.Limit, "limit", "n", 20, "Maximum number of merge requests (0 for all)")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <iid>",
		Short: "Approve a merge request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iid, err := parseIID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			if err := client.ApproveMergeRequest(cmd.Context(), iid); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Approved !%d\n", iid)
			return nil
		},
	})

	cmd.AddCommand(mergeRequestAction(o, "merge", "Merge a merge request", forge.Client.MergeMergeRequest))
	cmd.AddCommand(mergeRequestAction(o, "close", "Close a merge request", forge.Client.CloseMergeRequest))
	return cmd
}

func mergeRequestAction(o *rootOptions, use, short string, do func(forge.Client, context.Context, int) (forge.MergeRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <iid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iid, err := parseIID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			mr, err := do(client, cmd.Context(), iid)
			if err != nil {
				return err
			}
			return o.render(mr, func(w io.Writer) error { return writeMergeRequest(w, mr) })
		},
	}
}

func writeMergeRequest(w io.Writer, mr forge.MergeRequest) error {
	_, err := fmt.Fprintf(w, "%-6s %-7s %s -> %s  %s\n       %s\n",
		mr.Reference(), mr.State, mr.SourceBranch, mr.TargetBranch, mr.Title, mr.URL)
	return err
}

func parseIID(s string) (int, error) {
	iid, err := strconv.Atoi(strings.TrimPrefix(s, "!"))
	if err != nil || iid <= 0 {
		return 0, fmt.Errorf("invalid merge request number %q", s)
	}
	return iid, nil
}

func newMembersCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List project members that can review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			members, err := client.ListMembers(cmd.Context())
			if err != nil {
				return err
			}
			return o.render(members, func(w io.Writer) error {
				for _, m := range members {
					if _, err := fmt.Fprintf(w, "%-10d %-20s %s\n", m.ID, m.Username, m.Name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newWhoamiCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user behind the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			user, err := client.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			return o.render(user, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s (%s, id %d)\n", user.Username, user.Name, user.ID)
				return err
			})
		},
	}
}

func (o *rootOptions) forge(cmd *cobra.Command) (forge.Client, error) {
	a, err := o.application()
	if err != nil {
		return nil, err
	}
	return a.Forge(cmd.Context())
}
