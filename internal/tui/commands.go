// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/flyhook/internal/dispatch"
)

// CommandsModel shows async commands that are still in flight. Entries
// linger only while a deferred completion is outstanding, so a busy healthy
// daemon usually shows an empty table.
type CommandsModel struct {
	Backend Backend
	Table   table.Model
	Pending []dispatch.PendingInfo
	Width   int
	Height  int
}

func NewCommandsModel(backend Backend) CommandsModel {
	columns := []table.Column{
		{Title: "Command", Width: 20},
		{Title: "Correlation", Width: 20},
		{Title: "Age", Width: 10},
		{Title: "State", Width: 12},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorDeep).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(ColorIce).
		Background(ColorDeep).
		Bold(false)
	t.SetStyles(s)

	return CommandsModel{
		Backend: backend,
		Table:   t,
	}
}

type commandsTick time.Time

func (m CommandsModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

// The age column is derived from Started at row-build time, so the fetch
// runs every second to keep it moving.
func (m CommandsModel) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return commandsTick(t)
	})
}

func (m CommandsModel) refresh() tea.Cmd {
	return func() tea.Msg {
		pending, err := m.Backend.Commands()
		if err != nil {
			return BackendError{Err: err}
		}
		return pending
	}
}

func (m CommandsModel) Update(msg tea.Msg) (CommandsModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case []dispatch.PendingInfo:
		m.Pending = msg
		rows := make([]table.Row, len(msg))
		for i, p := range msg {
			state := "running"
			if p.Cancelling {
				state = "cancelling"
			}
			rows[i] = table.Row{
				p.Command,
				fmt.Sprintf("%d", p.Correlation),
				time.Since(p.Started).Round(time.Second).String(),
				state,
			}
		}
		m.Table.SetRows(rows)

	case commandsTick:
		return m, tea.Batch(m.refresh(), m.tick())

	case tea.KeyMsg:
		if msg.String() == "r" {
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetHeight(msg.Height - 7)
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m CommandsModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("IN-FLIGHT COMMANDS (r: refresh)"),
		StyleCard.Render(m.Table.View()),
		StyleSubtitle.Render(fmt.Sprintf("%d pending", len(m.Pending))),
	)
}
