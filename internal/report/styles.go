package report

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/graphrun/internal/orchestrator"
	"github.com/aristath/graphrun/internal/scheduler"
)

// styles is the palette bound to one output's renderer, so color is only
// emitted when that output is a terminal.
type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	muted    lipgloss.Style
	running  lipgloss.Style
	complete lipgloss.Style
	failed   lipgloss.Style
	skipped  lipgloss.Style
	warning  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:    r.NewStyle().Bold(true).Padding(0, 1),
		header:   r.NewStyle().Bold(true).Padding(0, 1),
		muted:    r.NewStyle().Foreground(lipgloss.Color("241")),
		running:  r.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
		complete: r.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
		failed:   r.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
		skipped:  r.NewStyle().Foreground(lipgloss.Color("240")),
		warning:  r.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

func (s styles) task(status scheduler.TaskStatus) lipgloss.Style {
	switch status {
	case scheduler.TaskCompleted:
		return s.complete
	case scheduler.TaskFailed:
		return s.failed
	case scheduler.TaskRunning, scheduler.TaskReady:
		return s.running
	default:
		return s.skipped
	}
}

func (s styles) run(status orchestrator.RunStatus) lipgloss.Style {
	switch status {
	case orchestrator.RunSuccess:
		return s.complete
	case orchestrator.RunPartialFailure:
		return s.warning
	case orchestrator.RunFailure:
		return s.failed
	default:
		return s.running
	}
}
