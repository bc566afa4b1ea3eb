package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Tab selects which runs are listed
type Tab int

const (
	TabActive Tab = iota
	TabStalled
	TabAll
	tabCount
)

func (t Tab) String() string {
	switch t {
	case TabActive:
		return "Active"
	case TabStalled:
		return "Stalled"
	default:
		return "All"
	}
}

// Source is where the dashboard reads run state from
type Source interface {
	ListRuns(ctx context.Context, states []domain.RunState, limit int) ([]*domain.Run, error)
	GetRunStatus(ctx context.Context, runID string) (*controller.RunStatus, error)
	GetStalledRuns(ctx context.Context, threshold time.Duration) ([]string, error)
}

// Model is the TUI application model
type Model struct {
	source          Source
	stallThreshold  time.Duration
	refreshInterval time.Duration
	now             func() time.Time

	// Data
	runs    []*domain.Run
	stalled map[string]bool
	detail  *controller.RunStatus
	err     error

	// UI state
	width       int
	height      int
	activeTab   Tab
	selectedRow int
	showDetail  bool

	lastRefresh time.Time
}

// ModelConfig configures the dashboard
type ModelConfig struct {
	Source          Source
	StallThreshold  time.Duration
	RefreshInterval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	return Model{
		source:          cfg.Source,
		stallThreshold:  cfg.StallThreshold,
		refreshInterval: cfg.RefreshInterval,
		now:             time.Now,
		stalled:         make(map[string]bool),
	}
}

// Init loads the first snapshot
func (m Model) Init() tea.Cmd {
	return m.refreshCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RefreshMsg carries a fresh snapshot from the source
type RefreshMsg struct {
	Runs    []*domain.Run
	Stalled []string
	Detail  *controller.RunStatus
	Err     error
	At      time.Time
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// refreshCmd loads runs, the stalled set and the selected run's subtasks
func (m Model) refreshCmd() tea.Cmd {
	source := m.source
	threshold := m.stallThreshold
	now := m.now
	var selected string
	if m.showDetail {
		if run := m.selectedRun(); run != nil {
			selected = run.ID
		}
	}

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msg := RefreshMsg{At: now()}
		if source == nil {
			return msg
		}
		msg.Runs, msg.Err = source.ListRuns(ctx, nil, 0)
		if msg.Err != nil {
			return msg
		}
		msg.Stalled, msg.Err = source.GetStalledRuns(ctx, threshold)
		if msg.Err != nil {
			return msg
		}
		if selected != "" {
			msg.Detail, msg.Err = source.GetRunStatus(ctx, selected)
		}
		return msg
	}
}

// visibleRuns returns the runs listed under the active tab
func (m Model) visibleRuns() []*domain.Run {
	var out []*domain.Run
	for _, run := range m.runs {
		switch m.activeTab {
		case TabActive:
			if run.State.IsTerminal() {
				continue
			}
		case TabStalled:
			if !m.stalled[run.ID] {
				continue
			}
		}
		out = append(out, run)
	}
	return out
}

func (m Model) selectedRun() *domain.Run {
	runs := m.visibleRuns()
	if m.selectedRow < 0 || m.selectedRow >= len(runs) {
		return nil
	}
	return runs[m.selectedRow]
}
