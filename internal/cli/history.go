package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/history"
)

func newHistoryCommand(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application()
			if err != nil {
				return err
			}
			store, err := a.History()
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return o.render(records, func(w io.Writer) error { return writeHistory(w, records) })
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs (0 for all)")
	return cmd
}

func writeHistory(w io.Writer, records []history.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No workflow runs recorded.")
		return err
	}
	for _, r := range records {
		var refs []string
		for _, mr := range r.MergeRequests {
			refs = append(refs, fmt.Sprintf("!%d->%s", mr.IID, mr.TargetBranch))
		}
		line := fmt.Sprintf("%s  %-8s %-30s %s", r.StartedAt.Local().Format("2006-01-02 15:04"), r.State, r.Branch, strings.Join(refs, " "))
		if r.Headline != "" {
			line += "  (" + r.Headline + ")"
		}
		if r.DryRun {
			line += "  [dry run]"
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}
