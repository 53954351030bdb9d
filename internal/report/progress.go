package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/graphrun/internal/events"
)

const barWidth = 30

// Follow prints one line per task transition until events is closed.
func (p *Printer) Follow(ch <-chan events.Event) {
	for ev := range ch {
		if line := p.Event(ev); line != "" {
			fmt.Fprintln(p.w, line)
		}
	}
}

// Event formats a single event, or returns "" for events not worth a line.
func (p *Printer) Event(ev events.Event) string {
	switch e := ev.(type) {
	case events.LevelStartedEvent:
		return p.st.header.UnsetPadding().Render(fmt.Sprintf("level %d", e.Level)) + fmt.Sprintf(" %d tasks", e.Tasks)
	case events.TaskStartedEvent:
		line := fmt.Sprintf("  %s %s attempt %d", p.st.running.Render("start"), e.ID, e.Attempt)
		if e.Host != "" {
			line += " on " + e.Host
		}
		return line
	case events.TaskRetryingEvent:
		return fmt.Sprintf("  %s %s in %s: %s", p.st.warning.Render("retry"), e.ID, e.Delay, e.Err)
	case events.TaskCompletedEvent:
		return fmt.Sprintf("  %s %s (%s)", p.st.complete.Render("done"), e.ID, e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		return fmt.Sprintf("  %s %s: %s", p.st.failed.Render("fail"), e.ID, e.Err)
	case events.TaskSkippedEvent:
		return fmt.Sprintf("  %s %s: %s", p.st.skipped.Render("skip"), e.ID, e.Reason)
	case events.DAGProgressEvent:
		return "  " + p.Bar(e)
	}
	return ""
}

// Bar draws completed, failed, running and remaining work as one line.
func (p *Printer) Bar(e events.DAGProgressEvent) string {
	if e.Total == 0 {
		return ""
	}
	completed := e.Completed * barWidth / e.Total
	failed := (e.Failed + e.Skipped) * barWidth / e.Total
	running := e.Running * barWidth / e.Total
	pending := barWidth - completed - failed - running

	bar := p.st.complete.Render(strings.Repeat("=", max(0, completed)))
	bar += p.st.failed.Render(strings.Repeat("!", max(0, failed)))
	bar += p.st.running.Render(strings.Repeat("-", max(0, running)))
	bar += p.st.skipped.Render(strings.Repeat(".", max(0, pending)))

	return fmt.Sprintf("[%s] %d/%d", bar, e.Completed+e.Failed+e.Skipped, e.Total)
}
