// Package cli provides the branchflow commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rancher/branchflow/internal/app"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/tui"
)

// Version is set at build time via ldflags.
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	dryRun     bool
	output     string

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// newApp is replaced in tests.
	newApp func(app.Options) (*app.App, error)
	app    *app.App
}

// NewRootCommand builds the command tree reading from in and writing
// command output to out and logs and prompts to errOut.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&rootOptions{in: in, out: out, errOut: errOut, newApp: app.New})
}

func newRootCommand(o *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "branchflow",
		Short: "Branch workflow orchestrator",
		Long: `branchflow pushes feature and bugfix branches, opens their merge requests
and offers the matching sync merge request between the integration branches.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return o.close()
		},
	}
	root.SetIn(o.in)
	root.SetOut(o.out)
	root.SetErr(o.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "Path to the config file (default: $XDG_CONFIG_HOME/branchflow/config.yaml)")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&o.dryRun, "dry-run", false, "Do not push or call the forge")
	flags.StringVar(&o.output, "output", app.FormatText, "Output format: text, json, yaml")

	root.AddCommand(
		newStatusCommand(o),
		newClassifyCommand(o),
		newProbeCommand(o),
		newCommitCommand(o),
		newSubmitCommand(o),
		newBranchCommand(o),
		newTagsCommand(o),
		newMergeRequestCommand(o),
		newPipelineCommand(o),
		newMembersCommand(o),
		newWhoamiCommand(o),
		newHistoryCommand(o),
		newWatchCommand(o),
		newMCPCommand(o),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		return 1
	}
	return 0
}

func describeError(err error) string {
	headline := orchestrator.Headline(err)
	if headline == "" || headline == "failed" {
		return err.Error()
	}
	return headline + ": " + err.Error()
}

// application builds the App on first use. Commands that never touch the
// repository do not pay for locating it.
func (o *rootOptions) application() (*app.App, error) {
	if o.app != nil {
		return o.app, nil
	}
	a, err := o.newApp(app.Options{
		ConfigPath: o.configPath,
		LogOutput:  o.errOut,
		DryRun:     o.dryRun,
		LogLevel:   o.logLevel,
	})
	if err != nil {
		return nil, err
	}
	o.app = a
	return a, nil
}

func (o *rootOptions) close() error {
	if o.app == nil {
		return nil
	}
	err := o.app.Close()
	o.app = nil
	return err
}

func (o *rootOptions) render(v any, text func(io.Writer) error) error {
	return app.Render(o.out, o.output, v, text)
}

// interactive reports whether prompts can be answered.
func (o *rootOptions) interactive() bool {
	f, ok := o.in.(*os.File)
	return ok && tui.IsTerminal(f)
}

// terminalOutput reports whether command output goes to a terminal.
func (o *rootOptions) terminalOutput() bool {
	f, ok := o.out.(*os.File)
	return ok && tui.IsTerminal(f)
}
