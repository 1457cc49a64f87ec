// Package tui renders the live watch view of the repository and its CI
// pipelines.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/policy"
	"github.com/rancher/branchflow/internal/watch"
)

const (
	maxPipelines = 8
	maxNotices   = 5
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	dimStyle   = lipgloss.NewStyle().Faint(true)
	boldStyle  = lipgloss.NewStyle().Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle = lipgloss.NewStyle().Faint(true).Width(10)
	helpStyle  = lipgloss.NewStyle().Faint(true).MarginTop(1)
)

// ErrMsg stops the view with an error.
type ErrMsg struct {
	Err error
}

// Model is the bubbletea model for the watch view. It accepts
// watch.BranchChange and watch.PipelineChange messages.
type Model struct {
	spinner   spinner.Model
	branch    *watch.BranchChange
	pipelines []forge.Pipeline
	notices   []string
	width     int
	err       error
}

// NewModel returns an empty watch view.
func NewModel() Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = dimStyle
	return Model{spinner: s}
}

// Err returns the error that stopped the view, if any.
func (m Model) Err() error { return m.err }

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case watch.BranchChange:
		if m.branch != nil && msg.BranchChanged {
			m.notice(msg.Time, fmt.Sprintf("switched %s -> %s", displayBranch(msg.Previous), displayBranch(msg.Current)))
		}
		change := msg
		m.branch = &change

	case watch.PipelineChange:
		m.upsertPipeline(msg.Pipeline)
		if !msg.Initial {
			m.notice(msg.Time, DescribePipeline(msg))
		}

	case ErrMsg:
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) upsertPipeline(p forge.Pipeline) {
	for i := range m.pipelines {
		if m.pipelines[i].ID == p.ID {
			m.pipelines[i] = p
			return
		}
	}
	m.pipelines = append(m.pipelines, p)
	sort.Slice(m.pipelines, func(i, j int) bool { return m.pipelines[i].ID > m.pipelines[j].ID })
	if len(m.pipelines) > maxPipelines {
		m.pipelines = m.pipelines[:maxPipelines]
	}
}

func (m *Model) notice(at time.Time, text string) {
	m.notices = append(m.notices, at.Format("15:04:05")+"  "+text)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("branchflow watch"))
	b.WriteString("\n")

	if m.branch == nil {
		b.WriteString(m.spinner.View() + " reading repository...\n")
	} else {
		b.WriteString(m.branchView())
	}

	b.WriteString("\n" + boldStyle.Render("Pipelines") + "\n")
	if len(m.pipelines) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for _, p := range m.pipelines {
		line := fmt.Sprintf("  #%-8d %-10s %s", p.ID, statusStyle(p.Status).Render(p.Status), p.Ref)
		if !p.Finished() {
			line = fmt.Sprintf("  #%-8d %s %-8s %s", p.ID, m.spinner.View(), p.Status, p.Ref)
		}
		b.WriteString(truncate(line, m.width) + "\n")
	}

	if len(m.notices) > 0 {
		b.WriteString("\n" + boldStyle.Render("Recent") + "\n")
		for _, n := range m.notices {
			b.WriteString(truncate("  "+n, m.width) + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errStyle.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString(helpStyle.Render("q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) branchView() string {
	c := m.branch
	var b strings.Builder
	b.WriteString(labelStyle.Render("branch") + boldStyle.Render(displayBranch(c.Current)))
	if c.Current != "" {
		b.WriteString(" " + categoryStyle(c.Category).Render(string(c.Category)))
	}
	b.WriteString("\n")

	state := okStyle.Render("clean")
	if c.Status.IsDirty {
		state = warnStyle.Render(fmt.Sprintf("%d changed", len(c.Status.ModifiedFiles)))
	}
	b.WriteString(labelStyle.Render("tree") + state + "\n")

	up := c.Status.Upstream
	upstream := dimStyle.Render("no upstream")
	if up.HasUpstream {
		upstream = fmt.Sprintf("%s ahead %d behind %d", up.Upstream, up.Ahead, up.Behind)
	}
	b.WriteString(labelStyle.Render("upstream") + upstream + "\n")
	return b.String()
}

func categoryStyle(c policy.Category) lipgloss.Style {
	switch c {
	case policy.Main, policy.Protected:
		return errStyle
	case policy.Database:
		return warnStyle
	default:
		return okStyle
	}
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case forge.PipelineSuccess:
		return okStyle
	case forge.PipelineFailed:
		return errStyle
	case forge.PipelineCanceled:
		return warnStyle
	default:
		return dimStyle
	}
}

func displayBranch(name string) string {
	if name == "" {
		return "(detached)"
	}
	return name
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 && width > 1 {
		return string(r[:width-1]) + "…"
	}
	return s
}
