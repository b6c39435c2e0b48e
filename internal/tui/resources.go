// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/flyhook/internal/hookattach"
)

// ResourcesModel lists every live resource with its clients and rules.
type ResourcesModel struct {
	Backend   Backend
	Table     table.Model
	Resources []hookattach.Info
	Width     int
	Height    int
}

func NewResourcesModel(backend Backend) ResourcesModel {
	columns := []table.Column{
		{Title: "ID", Width: 12},
		{Title: "Hook", Width: 14},
		{Title: "State", Width: 10},
		{Title: "Provider", Width: 10},
		{Title: "Refs", Width: 5},
		{Title: "Clients", Width: 8},
		{Title: "Rules", Width: 6},
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

	return ResourcesModel{
		Backend: backend,
		Table:   t,
	}
}

type resourcesTick time.Time

func (m ResourcesModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m ResourcesModel) tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return resourcesTick(t)
	})
}

func (m ResourcesModel) refresh() tea.Cmd {
	return func() tea.Msg {
		infos, err := m.Backend.Resources()
		if err != nil {
			return BackendError{Err: err}
		}
		return infos
	}
}

func (m ResourcesModel) Update(msg tea.Msg) (ResourcesModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case []hookattach.Info:
		m.Resources = msg
		rows := make([]table.Row, len(msg))
		for i, info := range msg {
			rows[i] = table.Row{
				shortID(info.ID),
				info.HookPoint,
				info.State,
				info.Provider,
				fmt.Sprintf("%d", info.Refs),
				fmt.Sprintf("%d/%d", len(info.Clients), info.MaxClients),
				fmt.Sprintf("%d", len(info.Rules)),
			}
		}
		m.Table.SetRows(rows)

	case resourcesTick:
		return m, tea.Batch(m.refresh(), m.tick())

	case tea.KeyMsg:
		if msg.String() == "r" {
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetHeight(msg.Height - 8) // Reserve space for bar, header, detail
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m ResourcesModel) View() string {
	detail := StyleSubtitle.Render("No resource selected")
	if idx := m.Table.Cursor(); idx >= 0 && idx < len(m.Resources) {
		detail = m.detailLine(m.Resources[idx])
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("RESOURCES (r: refresh)"),
		StyleCard.Render(m.Table.View()),
		detail,
		StyleSubtitle.Render(fmt.Sprintf("%d resources", len(m.Resources))),
	)
}

// detailLine expands the selected row: full id, client names, and any rule
// that is not cleanly installed.
func (m ResourcesModel) detailLine(info hookattach.Info) string {
	line := info.ID
	if len(info.Clients) > 0 {
		line += "  clients: "
		for i, c := range info.Clients {
			if i > 0 {
				line += ", "
			}
			line += c
		}
	}
	for _, r := range info.Rules {
		if r.State == "added" {
			continue
		}
		note := fmt.Sprintf("  rule %s %s", r.Name, r.State)
		if r.Error != "" {
			note += " (" + r.Error + ")"
		}
		line += StyleStatusWarn.Render(note)
	}
	return line
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
