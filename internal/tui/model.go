// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tui is the flyhook-top terminal dashboard: live resource,
// command, and event views over the daemon's diagnostics API.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/hookattach"
)

// View represents the currently active screen
type View int

const (
	ViewOverview View = iota
	ViewResources
	ViewCommands
	ViewEvents
)

// Backend defines the interface for data retrieval. The remote
// implementation reads the daemon's diagnostics API; tests use a mock.
type Backend interface {
	Stats() (*diag.Stats, error)
	Resources() ([]hookattach.Info, error)
	Commands() ([]dispatch.PendingInfo, error)
	Hooks() ([]dispatch.HookPointInfo, error)
	Providers() ([]string, error)
	Events() (<-chan events.Event, func(), error)
}

// Model is the main application state
type Model struct {
	Backend Backend

	ActiveView      View
	Width           int
	Height          int
	ConnectionError string // If set, shows disconnected state

	Overview  OverviewModel
	Resources ResourcesModel
	Commands  CommandsModel
	Events    EventsModel
}

// NewModel creates a new initial model
func NewModel(backend Backend) Model {
	return Model{
		Backend:    backend,
		ActiveView: ViewOverview,
		Overview:   NewOverviewModel(backend),
		Resources:  NewResourcesModel(backend),
		Commands:   NewCommandsModel(backend),
		Events:     NewEventsModel(backend),
	}
}

// Init starts every view's refresh loop
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.Overview.Init(),
		m.Resources.Init(),
		m.Commands.Init(),
		m.Events.Init(),
	)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case BackendError:
		m.ConnectionError = msg.Err.Error()
		// Auto-retry after 5 seconds
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return RetryMsg{}
		})

	case RetryMsg:
		if m.ConnectionError != "" {
			m.ConnectionError = ""
			return m, m.Init()
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.ConnectionError != "" {
				m.ConnectionError = ""
				return m, m.Init()
			}
		case "tab":
			m.ActiveView = (m.ActiveView + 1) % 4
			return m, nil
		case "1":
			m.ActiveView = ViewOverview
			return m, nil
		case "2":
			m.ActiveView = ViewResources
			return m, nil
		case "3":
			m.ActiveView = ViewCommands
			return m, nil
		case "4":
			m.ActiveView = ViewEvents
			return m, nil
		}

		// Remaining keys drive the active view only, so table navigation
		// never moves a hidden cursor.
		var cmd tea.Cmd
		switch m.ActiveView {
		case ViewOverview:
			m.Overview, cmd = m.Overview.Update(msg)
		case ViewResources:
			m.Resources, cmd = m.Resources.Update(msg)
		case ViewCommands:
			m.Commands, cmd = m.Commands.Update(msg)
		case ViewEvents:
			m.Events, cmd = m.Events.Update(msg)
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}

	// Data, tick, and stream messages reach every view; a hidden view's
	// refresh loop must stay armed while another one is on screen.
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.Overview, cmd = m.Overview.Update(msg)
	cmds = append(cmds, cmd)
	m.Resources, cmd = m.Resources.Update(msg)
	cmds = append(cmds, cmd)
	m.Commands, cmd = m.Commands.Update(msg)
	cmds = append(cmds, cmd)
	m.Events, cmd = m.Events.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View renders the application
func (m Model) View() string {
	if m.ConnectionError != "" {
		// Centered Error Message
		msg := StyleTitle.Render("⚠ Connection Lost") + "\n\n" +
			lipgloss.NewStyle().Foreground(ColorBad).Render(m.ConnectionError) + "\n\n" +
			lipgloss.NewStyle().Foreground(ColorDim).Render("Attempting to reconnect... (Press q to quit)")

		return lipgloss.Place(m.Width, m.Height,
			lipgloss.Center, lipgloss.Center,
			StyleCard.Render(msg),
		)
	}

	doc := m.ViewTopBar() + "\n"

	switch m.ActiveView {
	case ViewOverview:
		doc += m.Overview.View()
	case ViewResources:
		doc += m.Resources.View()
	case ViewCommands:
		doc += m.Commands.View()
	case ViewEvents:
		doc += m.Events.View()
	}

	return StyleApp.Render(doc)
}

// ViewTopBar renders the top navigation menu
func (m Model) ViewTopBar() string {
	var items []string

	menus := []struct {
		View  View
		Label string
		Key   string
	}{
		{ViewOverview, "Overview", "1"},
		{ViewResources, "Resources", "2"},
		{ViewCommands, "Commands", "3"},
		{ViewEvents, "Events", "4"},
	}

	for _, menu := range menus {
		key := StyleMenuKey.Render("[" + menu.Key + "]")
		label := menu.Label

		if m.ActiveView == menu.View {
			items = append(items, StyleMenuItemActive.Render(key+" "+label))
		} else {
			items = append(items, StyleMenuItem.Render(key+" "+label))
		}
	}

	brand := StyleTitle.Render("FLYHOOK ")

	bar := lipgloss.JoinHorizontal(lipgloss.Top, append([]string{brand}, items...)...)
	return StyleTopBar.Render(bar)
}

type BackendError struct {
	Err error
}

type RetryMsg struct{}
