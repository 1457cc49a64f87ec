package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/forge"
)

func newPipelineCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"ci"},
		Short:   "Inspect and control CI pipelines",
	}

	var list forge.ListPipelinesOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			pipelines, err := client.ListPipelines(cmd.Context(), list)
			if err != nil {
				return err
			}
			return o.render(pipelines, func(w io.Writer) error {
				if len(pipelines) == 0 {
					_, err := fmt.Fprintln(w, "No pipelines found.")
					return err
				}
				for _, p := range pipelines {
					if err := writePipeline(w, p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&list.Ref, "ref", "", "Only pipelines for this branch or tag")
	listCmd.Flags().StringVar(&list.Status, "status", "", "Only pipelines with this status")
	listCmd.Flags().IntVarP(&list.Limit, "limit", "n", 20, "Maximum number of pipelines (0 for all)")
	cmd.AddCommand(listCmd)

	var vars []string
	trigger := &cobra.Command{
		Use:   "trigger <ref>",
		Short: "Start a pipeline for a branch or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			p, err := client.TriggerPipeline(cmd.Context(), args[0], variables)
			if err != nil {
				return err
			}
			return o.render(p, func(w io.Writer) error { return writePipeline(w, p) })
		},
	}
	trigger.Flags().StringArrayVar(&vars, "var", nil, "Pipeline variable KEY=VALUE (repeatable)")
	cmd.AddCommand(trigger)

	cmd.AddCommand(pipelineAction(o, "retry", "Retry the failed jobs of a pipeline", forge.Client.RetryPipeline))
	cmd.AddCommand(pipelineAction(o, "cancel", "Cancel a running pipeline", forge.Client.CancelPipeline))

	cmd.AddCommand(&cobra.Command{
		Use:   "jobs <pipeline-id>",
		Short: "List the jobs of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			jobs, err := client.ListPipelineJobs(cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.render(jobs, func(w io.Writer) error {
				for _, j := range jobs {
					if _, err := fmt.Fprintf(w, "%-10d %-10s %-12s %s\n", j.ID, j.Status, j.Stage, j.Name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trace <job-id>",
		Short: "Print the log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			trace, err := client.JobTrace(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = io.WriteString(o.out, trace)
			return err
		},
	})

	var artifactsPath string
	artifacts := &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "Download the artifacts archive of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			data, err := client.JobArtifacts(cmd.Context(), id)
			if err != nil {
				return err
			}
			if artifactsPath == "" || artifactsPath == "-" {
				_, err = o.out.Write(data)
				return err
			}
			if err := os.WriteFile(artifactsPath, data, 0o644); err != nil {
				return fmt.Errorf("write artifacts: %w", err)
			}
			fmt.Fprintf(o.errOut, "Wrote %d bytes to %s\n", len(data), artifactsPath)
			return nil
		},
	}
	artifacts.Flags().StringVarP(&artifactsPath, "out", "o", "artifacts.zip", "Destination file, - for stdout")
	cmd.AddCommand(artifacts)

	return cmd
}

func pipelineAction(o *rootOptions, use, short string, do func(forge.Client, context.Context, int64) (forge.Pipeline, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pipeline-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := o.forge(cmd)
			if err != nil {
				return err
			}
			p, err := do(client, cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.render(p, func(w io.Writer) error { return writePipeline(w, p) })
		},
	}
}

func writePipeline(w io.Writer, p forge.Pipeline) error {
	_, err := fmt.Fprintf(w, "#%-10d %-10s %-30s %s\n", p.ID, p.Status, p.Ref, p.URL)
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseVariables(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
