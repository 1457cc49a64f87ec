// Package notify raises desktop notifications for finished workflows and
// pipeline changes.
package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/orchestrator"
)

const appName = "branchflow"

// Notifier shows desktop notifications when enabled. Delivery failures are
// logged and otherwise ignored.
type Notifier struct {
	enabled bool
	log     *slog.Logger
	send    func(title, message string) error
}

// New returns a Notifier backed by the desktop notification service.
func New(enabled bool, logger *slog.Logger) *Notifier {
	return &Notifier{
		enabled: enabled,
		log:     logger,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// Enabled reports whether notifications are shown.
func (n *Notifier) Enabled() bool {
	return n != nil && n.enabled
}

// Notify shows one notification.
func (n *Notifier) Notify(title, message string) {
	if !n.Enabled() {
		return
	}
	if err := n.send(title, message); err != nil && n.log != nil {
		n.log.Debug("desktop notification failed", "title", title, "error", err)
	}
}

// WorkflowEvent reports terminal workflow events and ignores the rest. It
// has the signature orchestrator.WithObserver expects.
func (n *Notifier) WorkflowEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventSucceeded:
		n.Notify(appName+": merge request ready", workflowSummary(ev.Result))
	case orchestrator.EventFailed:
		msg := ev.Headline
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %v", ev.Headline, ev.Err)
		}
		n.Notify(appName+": workflow failed", firstLine(msg))
	}
}

// PipelineChanged reports a pipeline that reached a new status.
func (n *Notifier) PipelineChanged(p forge.Pipeline) {
	if !p.Finished() {
		return
	}
	n.Notify(fmt.Sprintf("%s: pipeline %s", appName, p.Status),
		fmt.Sprintf("Pipeline #%d on %s is %s", p.ID, p.Ref, p.Status))
}

func workflowSummary(result *orchestrator.Result) string {
	if result == nil {
		return "done"
	}
	mrs := result.MergeRequests()
	if len(mrs) == 0 {
		return fmt.Sprintf("%s: nothing opened", result.SourceBranch)
	}
	parts := make([]string, 0, len(mrs))
	for _, mr := range mrs {
		parts = append(parts, fmt.Sprintf("%s -> %s", mr.Reference(), mr.TargetBranch))
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
