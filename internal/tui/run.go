package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/term"

	"github.com/rancher/branchflow/internal/watch"
)

// StartFunc runs the watchers, handing every change to send. It must return
// once ctx is done.
type StartFunc func(ctx context.Context, send func(msg any)) error

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(f.Fd())
}

// Run shows the interactive watch view until the user quits or ctx ends.
func Run(ctx context.Context, in io.Reader, out io.Writer, start StartFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))

	go func() {
		err := start(ctx, func(msg any) { p.Send(msg) })
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Send(ErrMsg{Err: err})
		}
	}()

	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(Model); ok {
		return m.Err()
	}
	return nil
}

// Printer writes one line per change for non-interactive output.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Send accepts the same messages as Model.
func (p *Printer) Send(msg any) {
	var line string
	switch msg := msg.(type) {
	case watch.BranchChange:
		line = msg.Time.Format("15:04:05") + "  " + DescribeBranch(msg)
	case watch.PipelineChange:
		line = msg.Time.Format("15:04:05") + "  " + DescribePipeline(msg)
	case ErrMsg:
		line = "error: " + msg.Err.Error()
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}

// DescribeBranch summarises a branch change on one line.
func DescribeBranch(c watch.BranchChange) string {
	s := fmt.Sprintf("branch %s", displayBranch(c.Current))
	if c.Current != "" {
		s += fmt.Sprintf(" (%s)", c.Category)
	}
	if c.BranchChanged && c.Previous != "" {
		s += fmt.Sprintf(", was %s", c.Previous)
	}
	if c.Status.IsDirty {
		s += fmt.Sprintf(", %d changed", len(c.Status.ModifiedFiles))
	}
	if c.Status.HasUnpushedCommits {
		s += fmt.Sprintf(", %d unpushed", c.Status.Upstream.Ahead)
	}
	return s
}

// DescribePipeline summarises a pipeline change on one line.
func DescribePipeline(c watch.PipelineChange) string {
	p := c.Pipeline
	if c.PreviousStatus == "" {
		return fmt.Sprintf("pipeline #%d on %s: %s", p.ID, p.Ref, p.Status)
	}
	return fmt.Sprintf("pipeline #%d on %s: %s -> %s", p.ID, p.Ref, c.PreviousStatus, p.Status)
}
