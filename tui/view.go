package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	active, stalled := 0, 0
	for _, run := range m.runs {
		if !run.State.IsTerminal() {
			active++
		}
		if m.stalled[run.ID] {
			stalled++
		}
	}
	header := fmt.Sprintf(" Run Orchestrator │ Runs: %d │ Active: %d │ Stalled: %d │ Stall threshold: %s ",
		len(m.runs), active, stalled, m.stallThreshold)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	if m.showDetail {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDetail()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	var tabs []string
	for t := Tab(0); t < tabCount; t++ {
		if t == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(t.String()))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(t.String()))
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.activeTab.String() + " runs"))
	b.WriteString("\n")

	runs := m.visibleRuns()
	if len(runs) == 0 {
		b.WriteString(dimmedStyle.Render("  no runs"))
		return b.String()
	}

	now := m.now()
	for i, run := range runs {
		line := fmt.Sprintf("%-12s %-8s %-10s %s %3d/%-3d %8s cr  %s",
			shortID(run.ID),
			truncate(run.TenantID, 8),
			run.State,
			progressBar(run, 16),
			run.CompletedSubtasks, run.TotalSubtasks,
			humanize.Comma(run.CreditsUsed),
			humanize.RelTime(run.ProgressAt(), now, "ago", "from now"),
		)
		if run.FailedSubtasks > 0 || run.SkippedSubtasks > 0 {
			line += fmt.Sprintf("  (%d failed, %d skipped)", run.FailedSubtasks, run.SkippedSubtasks)
		}
		if run.DeadlineAt != nil && !run.State.IsTerminal() {
			line += "  due " + humanize.RelTime(*run.DeadlineAt, now, "ago", "from now")
		}

		line = stateStyle(run, m.stalled[run.ID]).Render(line)
		if i == m.selectedRow {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDetail() string {
	run := m.selectedRun()
	if run == nil {
		return dimmedStyle.Render("no run selected")
	}
	if m.detail == nil || m.detail.Run.ID != run.ID {
		return dimmedStyle.Render("loading " + run.ID + "...")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Run " + run.ID))
	b.WriteString(fmt.Sprintf("  version %d, estimate %s cr", m.detail.Run.StateVersion, humanize.Comma(m.detail.Run.CreditEstimate)))
	b.WriteString("\n")

	now := m.now()
	for _, sub := range m.detail.Subtasks {
		line := fmt.Sprintf("  #%-3d %-13s attempt %d/%d", sub.Index, sub.State, sub.AttemptCount, sub.MaxAttempts)
		if sub.AssignedWorkerID != "" {
			line += "  on " + sub.AssignedWorkerID
		}
		if sub.HeartbeatAt != nil && sub.State.IsLive() {
			line += "  heartbeat " + humanize.RelTime(*sub.HeartbeatAt, now, "ago", "from now")
		}
		if sub.CheckpointStep > 0 {
			line += fmt.Sprintf("  checkpoint %d", sub.CheckpointStep)
		}
		if sub.LastError != "" {
			line += "  " + errorStyle.Render(truncate(sub.LastError, 40))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	var status string
	if m.err != nil {
		status = errorStyle.Render("error: " + m.err.Error())
	} else if !m.lastRefresh.IsZero() {
		status = dimmedStyle.Render("updated " + m.lastRefresh.Format(time.TimeOnly))
	}
	keys := dimmedStyle.Render("tab: switch  j/k: select  enter: subtasks  r: refresh  q: quit")
	return " " + keys + "  " + status
}

func stateStyle(run *domain.Run, stalled bool) lipgloss.Style {
	switch {
	case stalled:
		return warningStyle
	case run.State == domain.RunFailed || run.State == domain.RunTimedOut:
		return errorStyle
	case run.State == domain.RunRunning || run.State == domain.RunCompleted:
		return runningStyle
	default:
		return queuedStyle
	}
}

// progressBar draws settled subtasks (completed, failed, skipped) out of the plan
func progressBar(run *domain.Run, width int) string {
	if run.TotalSubtasks == 0 {
		return strings.Repeat("░", width)
	}
	done := run.CompletedSubtasks + run.FailedSubtasks + run.SkippedSubtasks
	filled := done * width / run.TotalSubtasks
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func shortID(id string) string {
	return truncate(id, 12)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
