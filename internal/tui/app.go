package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/tui/components"
)

// snapshotMsg carries a runtime snapshot into the Bubble Tea update loop.
type snapshotMsg monitor.Snapshot

// Source feeds the dashboard. The in-process collector implements it
// directly; `aldctl tui` wraps the daemon HTTP client in a polling
// adapter with the same shape.
type Source interface {
	Subscribe() chan monitor.Snapshot
	Unsubscribe(chan monitor.Snapshot)
	Logs() []monitor.LogEntry
	Cycles() []datalog.CycleStat
}

// Model is the main Bubble Tea model for the aldctl dashboard.
type Model struct {
	source   Source
	sub      chan monitor.Snapshot
	snapshot monitor.Snapshot

	width  int
	height int
	ready  bool
}

// NewModel creates a model reading from src. The subscription starts here
// rather than in Init so the channel survives Bubble Tea copying the
// model value between calls.
func NewModel(src Source) Model {
	return Model{
		source: src,
		sub:    src.Subscribe(),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.sub)
}

func waitForSnapshot(sub chan monitor.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.source.Unsubscribe(m.sub)
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = monitor.Snapshot(msg)
		return m, waitForSnapshot(m.sub)
	}

	return m, nil
}

// View renders the full dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	w := m.width
	snap := m.snapshot

	var sections []string

	title := titleStyle.Width(w).Render(" aldctl  " + shortID(snap.MachineID))
	sections = append(sections, title)

	headerBox := boxStyle.Width(w - 2).Render(components.RenderHeader(snap, w-4))
	sections = append(sections, headerBox)

	processBox := boxStyle.Width(w - 2).Render(components.RenderProcess(snap, w-4))
	sections = append(sections, processBox)

	// Parameter table gets whatever height the fixed panes leave over.
	tableHeight := m.height - 24
	if tableHeight < 3 {
		tableHeight = 3
	}
	paramsBox := boxStyle.Width(w - 2).Render(components.RenderParameters(snap, w-4, tableHeight))
	sections = append(sections, paramsBox)

	cycleBox := boxStyle.Width(w - 2).Render(components.RenderCycles(snap, m.source.Cycles(), w-4))
	sections = append(sections, cycleBox)

	logBox := boxStyle.Width(w - 2).Render(components.RenderLogs(m.source.Logs(), 5))
	sections = append(sections, logBox)

	help := helpStyle.Render("  q: quit")
	sections = append(sections, help)

	return strings.Join(sections, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run starts the dashboard in fullscreen mode and blocks until the
// operator quits.
func Run(src Source) error {
	p := tea.NewProgram(NewModel(src), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
