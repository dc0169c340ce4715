// Package tui provides the live terminal progress view for a muster run.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muster-dev/muster/internal/orchestrator"
	"github.com/muster-dev/muster/pkg/models"
)

// maxLogLines is how many recent events the log pane keeps.
const maxLogLines = 10

// EventMsg wraps an engine event for the TUI.
type EventMsg struct {
	Event orchestrator.Event
}

// RunDoneMsg signals that every engine loop has exited.
type RunDoneMsg struct {
	Summary orchestrator.Summary
}

// tickMsg drives periodic status refresh.
type tickMsg time.Time

// logEntry is one rendered line in the event log pane.
type logEntry struct {
	at   time.Time
	line string
}

// App is the bubbletea model rendering engine progress: per-topology task
// counts, worker occupancy, budget spend, and a tail of recent events.
type App struct {
	// statuses supplies fresh engine snapshots each refresh tick.
	statuses func() []orchestrator.Status
	// abort signals an operator abort on quit while the run is active.
	abort func()

	refresh time.Duration
	spin    spinner.Model
	bar     progress.Model

	snapshots []orchestrator.Status
	logs      []logEntry
	width     int
	done      bool
	summary   orchestrator.Summary
	quitting  bool

	titleStyle   lipgloss.Style
	sectionStyle lipgloss.Style
	okStyle      lipgloss.Style
	failStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	warnStyle    lipgloss.Style
}

// New creates the progress view. statuses is polled on every refresh tick;
// abort is called when the operator quits an active run.
func New(statuses func() []orchestrator.Status, abort func(), refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = 100 * time.Millisecond
	}

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &App{
		statuses: statuses,
		abort:    abort,
		refresh:  refresh,
		spin:     sp,
		bar:      progress.New(progress.WithDefaultGradient()),
		width:    80,

		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		sectionStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")),
		okStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
		failStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		warnStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			if !a.done && a.abort != nil {
				a.abort()
			}
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.bar.Width = msg.Width - 20
		if a.bar.Width > 60 {
			a.bar.Width = 60
		}

	case tickMsg:
		if a.statuses != nil {
			a.snapshots = a.statuses()
		}
		return a, a.tick()

	case EventMsg:
		a.appendLog(msg.Event)

	case RunDoneMsg:
		a.done = true
		a.summary = msg.Summary
		return a, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

// appendLog renders an event into the log tail.
func (a *App) appendLog(ev orchestrator.Event) {
	line := a.renderEvent(ev)
	if line == "" {
		return
	}
	a.logs = append(a.logs, logEntry{at: ev.Timestamp, line: line})
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

func (a *App) renderEvent(ev orchestrator.Event) string {
	prefix := a.dimStyle.Render(fmt.Sprintf("[%s]", ev.Topology))
	switch ev.Type {
	case orchestrator.EventTaskDispatched:
		return fmt.Sprintf("%s %s dispatched to %s (attempt %d)", prefix, ev.TaskID, ev.WorkerID, ev.Attempt)
	case orchestrator.EventTaskValidating:
		return fmt.Sprintf("%s %s validating on %s", prefix, ev.TaskID, ev.Branch)
	case orchestrator.EventTaskCompleted:
		return fmt.Sprintf("%s %s %s (cost %.2f)", prefix, ev.TaskID, a.okStyle.Render("completed"), ev.Cost)
	case orchestrator.EventTaskRejected:
		return fmt.Sprintf("%s %s %s: %s", prefix, ev.TaskID, a.warnStyle.Render("rejected"), ev.Message)
	case orchestrator.EventTaskFailed:
		return fmt.Sprintf("%s %s %s: %s", prefix, ev.TaskID, a.failStyle.Render("failed"), ev.Message)
	case orchestrator.EventMergeConflict:
		return fmt.Sprintf("%s %s %s", prefix, ev.TaskID, a.warnStyle.Render("merge conflict, rebasing"))
	case orchestrator.EventBudgetWarning, orchestrator.EventBudgetPaused, orchestrator.EventBudgetResumed, orchestrator.EventRoleDegraded:
		return fmt.Sprintf("%s %s", prefix, a.warnStyle.Render(ev.Message))
	case orchestrator.EventTopologyDone:
		return fmt.Sprintf("%s topology done: %s", prefix, ev.Message)
	default:
		return ""
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "aborting run...\n"
	}

	var b strings.Builder
	b.WriteString(a.titleStyle.Render("muster"))
	if !a.done {
		b.WriteString("  " + a.spin.View() + a.dimStyle.Render("running"))
	} else {
		b.WriteString("  " + a.okStyle.Render("done"))
	}
	b.WriteString("\n\n")

	for _, st := range a.snapshots {
		b.WriteString(a.viewTopology(st))
		b.WriteString("\n")
	}

	b.WriteString(a.viewBudget())
	b.WriteString("\n")

	if len(a.logs) > 0 {
		b.WriteString(a.sectionStyle.Render("Recent events") + "\n")
		for _, entry := range a.logs {
			stamp := ""
			if !entry.at.IsZero() {
				stamp = a.dimStyle.Render(entry.at.Format("15:04:05")) + " "
			}
			b.WriteString("  " + stamp + entry.line + "\n")
		}
		b.WriteString("\n")
	}

	if a.done {
		b.WriteString(a.okStyle.Render(fmt.Sprintf("run finished, spent %.2f", a.summary.Spent)))
	} else {
		b.WriteString(a.dimStyle.Render("q: abort and quit"))
	}
	b.WriteString("\n")
	return b.String()
}

// viewTopology renders one engine's task counts and pool occupancy.
func (a *App) viewTopology(st orchestrator.Status) string {
	total := 0
	for _, n := range st.Counts {
		total += n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %d/%d completed",
		a.sectionStyle.Render("Topology "+st.Topology),
		st.Counts[models.TaskStatusCompleted], total)
	if n := st.Counts[models.TaskStatusFailedTerminal]; n > 0 {
		b.WriteString("  " + a.failStyle.Render(fmt.Sprintf("%d failed", n)))
	}
	if n := st.Counts[models.TaskStatusBlockedByAncestor]; n > 0 {
		b.WriteString("  " + a.warnStyle.Render(fmt.Sprintf("%d blocked", n)))
	}
	if st.Halted != "" {
		b.WriteString("  " + a.dimStyle.Render("("+string(st.Halted)+")"))
	}
	b.WriteString("\n")

	var sorted []string
	byRole := map[string]string{}
	for _, occ := range st.Occupancies {
		label := fmt.Sprintf("%s %d/%d", occ.Role, occ.Busy, occ.Size)
		if occ.Degraded {
			label = a.failStyle.Render(label + " degraded")
		}
		byRole[string(occ.Role)] = label
		sorted = append(sorted, string(occ.Role))
	}
	sort.Strings(sorted)
	if len(sorted) > 0 {
		b.WriteString("  " + a.dimStyle.Render("workers: "))
		parts := make([]string, 0, len(sorted))
		for _, role := range sorted {
			parts = append(parts, byRole[role])
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteString("\n")
	}
	return b.String()
}

// viewBudget renders spend against the ceiling.
func (a *App) viewBudget() string {
	if len(a.snapshots) == 0 {
		return ""
	}
	st := a.snapshots[0]

	var b strings.Builder
	b.WriteString(a.sectionStyle.Render("Budget") + "  ")
	if st.Ceiling <= 0 {
		fmt.Fprintf(&b, "%.2f spent (no ceiling)\n", st.Spent)
		return b.String()
	}

	frac := st.Spent / st.Ceiling
	if frac > 1 {
		frac = 1
	}
	fmt.Fprintf(&b, "%.2f / %.2f\n  %s\n", st.Spent, st.Ceiling, a.bar.ViewAs(frac))
	return b.String()
}
