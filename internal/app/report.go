package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rancher/branchflow/internal/orchestrator"
)

// Output formats accepted by Render.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render writes v as JSON or YAML, or calls text for the human format.
func Render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return text(w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WorkflowReport is the machine readable outcome of a submission.
type WorkflowReport struct {
	Result   orchestrator.Result `json:"result" yaml:"result"`
	Error    string              `json:"error,omitempty" yaml:"error,omitempty"`
	Headline string              `json:"headline,omitempty" yaml:"headline,omitempty"`
}

// NewWorkflowReport pairs a result with its error.
func NewWorkflowReport(result orchestrator.Result, err error) WorkflowReport {
	report := WorkflowReport{Result: result}
	if err != nil {
		report.Error = err.Error()
		report.Headline = orchestrator.Headline(err)
	}
	return report
}

// WriteText renders the report for a terminal.
func (r WorkflowReport) WriteText(w io.Writer) error {
	_, err := io.WriteString(w, renderResultDetails(r))
	return err
}

func renderResultDetails(r WorkflowReport) string {
	var builder strings.Builder
	result := r.Result

	if r.Error != "" {
		builder.WriteString(fmt.Sprintf("Workflow failed (%s): %s\n", r.Headline, r.Error))
	} else {
		builder.WriteString(fmt.Sprintf("Workflow %s finished on %s (%s)\n", result.TaskID, result.SourceBranch, result.Category))
	}
	if result.DryRun {
		builder.WriteString("Dry run: nothing was pushed and no merge request was opened.\n")
	}

	mrs := result.MergeRequests()
	if len(mrs) > 0 {
		builder.WriteString("\n| Merge request | Source | Target | Title | URL |\n")
		builder.WriteString("| --- | --- | --- | --- | --- |\n")
		for _, mr := range mrs {
			builder.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
				sanitizeMarkdownCell(mr.Reference()),
				sanitizeMarkdownCell(mr.SourceBranch),
				sanitizeMarkdownCell(mr.TargetBranch),
				sanitizeMarkdownCell(mr.Title),
				sanitizeMarkdownCell(mr.URL),
			))
		}
	}

	if probe := result.Probe; probe != nil {
		builder.WriteString(fmt.Sprintf("\nSync probe against %s: %s", result.SyncTarget, probe.Outcome))
		if len(probe.ConflictingPaths) > 0 {
			builder.WriteString(" in " + strings.Join(probe.ConflictingPaths, ", "))
		}
		builder.WriteString("\n")
	}
	if result.SyncDeclined {
		builder.WriteString(fmt.Sprintf("Sync merge request to %s was declined.\n", result.SyncTarget))
	}

	return builder.String()
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
