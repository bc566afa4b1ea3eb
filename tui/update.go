package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.selectedRow < len(m.visibleRuns())-1 {
				m.selectedRow++
				m.detail = nil
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
				m.detail = nil
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			m.detail = nil
		case "enter":
			m.showDetail = !m.showDetail
			m.detail = nil
			if m.showDetail {
				return m, m.refreshCmd()
			}
		case "esc":
			m.showDetail = false
			m.detail = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, m.refreshCmd()

	case RefreshMsg:
		m.lastRefresh = msg.At
		m.err = msg.Err
		if msg.Err == nil {
			m.SetRuns(msg.Runs, msg.Stalled)
			m.detail = msg.Detail
		}
		return m, m.tickCmd()
	}

	return m, nil
}

// SetRuns replaces the run snapshot and keeps the selection in range
func (m *Model) SetRuns(runs []*domain.Run, stalled []string) {
	m.runs = runs
	m.stalled = make(map[string]bool, len(stalled))
	for _, id := range stalled {
		m.stalled[id] = true
	}
	if n := len(m.visibleRuns()); m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}
