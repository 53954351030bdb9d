// Package report renders run results for people (lipgloss text) and for
// scripts (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/graphrun/internal/orchestrator"
	"github.com/aristath/graphrun/internal/persistence"
	"github.com/aristath/graphrun/internal/scheduler"
)

// Printer writes reports to one output.
type Printer struct {
	w  io.Writer
	st styles
}

// NewPrinter binds a printer to w. Color is used only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, st: newStyles(lipgloss.NewRenderer(w))}
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Report renders a final run report: a summary line, one row per task in
// level order, then warnings.
func (p *Printer) Report(r *orchestrator.Report) error {
	var b strings.Builder

	title := p.st.title.Render("Run " + r.RunID)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	status := p.st.run(r.Status).Render(string(r.Status))
	if r.Aborted {
		status += p.st.muted.Render(" (aborted)")
	}
	fmt.Fprintf(&b, "Status:   %s\n", status)
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Tasks:    %s\n\n", p.counts(r.Counts()))

	tasks := append([]orchestrator.TaskOutcome(nil), r.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Level < tasks[j].Level })

	rows := make([][]string, 0, len(tasks))
	statuses := make([]scheduler.TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		detail := t.Message
		if t.LastError != "" {
			detail = t.LastError
		}
		rows = append(rows, []string{
			t.TaskID,
			fmt.Sprint(t.Level),
			t.Status.String(),
			fmt.Sprint(t.Attempts),
			t.Duration.Round(time.Millisecond).String(),
			t.Host,
			detail,
		})
		statuses = append(statuses, t.Status)
	}
	b.WriteString(p.table([]string{"TASK", "LEVEL", "STATUS", "ATTEMPTS", "DURATION", "HOST", "DETAIL"}, rows, 2, statuses))
	b.WriteString("\n")

	if r.Degraded {
		b.WriteString("\n")
		b.WriteString(p.st.warning.Render("Checkpointing degraded: this run cannot be fully resumed."))
		b.WriteString("\n")
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			b.WriteString("  ")
			b.WriteString(p.st.warning.Render(w))
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(p.w, b.String())
	return err
}

// View renders a status query result.
func (p *Printer) View(v *orchestrator.RunView) error {
	var b strings.Builder

	state := "active"
	if v.Finished {
		state = "finished"
	}
	fmt.Fprintf(&b, "Run %s: %s (%s)\n", v.RunID, p.st.run(v.Status).Render(string(v.Status)), state)
	if v.Degraded {
		b.WriteString(p.st.warning.Render("checkpointing degraded"))
		b.WriteString("\n")
	}

	ids := make([]string, 0, len(v.Tasks))
	for id := range v.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	counts := make(map[scheduler.TaskStatus]int)
	for _, id := range ids {
		status := v.Tasks[id]
		counts[status]++
		fmt.Fprintf(&b, "  %-24s %s\n", id, p.st.task(status).Render(status.String()))
	}
	fmt.Fprintf(&b, "%s\n", p.counts(counts))

	_, err := io.WriteString(p.w, b.String())
	return err
}

// Runs renders the stored run list.
func (p *Printer) Runs(runs []persistence.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(p.w, p.st.muted.Render("no runs recorded"))
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Status,
			r.CreatedAt.Local().Format(time.DateTime),
			r.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	_, err := fmt.Fprintln(p.w, p.table([]string{"RUN", "STATUS", "CREATED", "UPDATED"}, rows, -1, nil))
	return err
}

// Plan renders the execution levels of a validated graph.
func (p *Printer) Plan(g *scheduler.TaskGraph) error {
	var b strings.Builder
	levels := g.Levels()
	fmt.Fprintf(&b, "%d tasks in %d levels\n", g.Len(), len(levels))
	for i, level := range levels {
		fmt.Fprintf(&b, "  %s %s\n", p.st.header.UnsetPadding().Render(fmt.Sprintf("level %d", i)), strings.Join(level, ", "))
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *Printer) counts(counts map[scheduler.TaskStatus]int) string {
	parts := []string{
		p.st.complete.Render(fmt.Sprintf("%d completed", counts[scheduler.TaskCompleted])),
		p.st.failed.Render(fmt.Sprintf("%d failed", counts[scheduler.TaskFailed])),
		p.st.skipped.Render(fmt.Sprintf("%d skipped", counts[scheduler.TaskSkipped])),
	}
	if n := counts[scheduler.TaskPending] + counts[scheduler.TaskReady] + counts[scheduler.TaskRunning]; n > 0 {
		parts = append(parts, p.st.running.Render(fmt.Sprintf("%d unresolved", n)))
	}
	return strings.Join(parts, ", ")
}

// table renders aligned columns. The cell at statusCol is colored by the
// matching entry of statuses; a negative statusCol disables coloring.
func (p *Printer) table(headers []string, rows [][]string, statusCol int, statuses []scheduler.TaskStatus) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(s string, width int) string {
		return s + strings.Repeat(" ", width-lipgloss.Width(s))
	}

	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(p.st.header.UnsetPadding().Render(pad(h, widths[i])))
	}
	b.WriteString("\n")
	for r, row := range rows {
		for i, c := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := pad(c, widths[i])
			if i == statusCol && r < len(statuses) {
				cell = p.st.task(statuses[r]).Render(cell)
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
