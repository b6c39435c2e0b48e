// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
)

// OverviewModel is the main HUD view
type OverviewModel struct {
	Backend     Backend
	Stats       *diag.Stats
	Hooks       []dispatch.HookPointInfo
	Providers   []string
	LastUpdated time.Time
	Width       int
	Height      int
}

func NewOverviewModel(backend Backend) OverviewModel {
	return OverviewModel{
		Backend: backend,
	}
}

type overviewTick time.Time

func (m OverviewModel) Init() tea.Cmd {
	return tea.Batch(
		m.refreshAll(),
		m.tick(),
	)
}

func (m OverviewModel) tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return overviewTick(t)
	})
}

func (m OverviewModel) refreshAll() tea.Cmd {
	return tea.Batch(
		func() tea.Msg {
			stats, err := m.Backend.Stats()
			if err != nil {
				return BackendError{Err: err}
			}
			return stats
		},
		func() tea.Msg {
			hooks, err := m.Backend.Hooks()
			if err != nil {
				return BackendError{Err: err}
			}
			return hooks
		},
		func() tea.Msg {
			providers, err := m.Backend.Providers()
			if err != nil {
				return BackendError{Err: err}
			}
			return providers
		},
	)
}

func (m OverviewModel) Update(msg tea.Msg) (OverviewModel, tea.Cmd) {
	switch msg := msg.(type) {
	case *diag.Stats:
		m.Stats = msg
	case []dispatch.HookPointInfo:
		m.Hooks = msg
	case []string:
		m.Providers = msg
	case overviewTick:
		m.LastUpdated = time.Time(msg)
		return m, tea.Batch(m.refreshAll(), m.tick())
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func (m OverviewModel) View() string {
	if m.Stats == nil {
		return "Loading Overview..."
	}

	// Layout:
	// [ Daemon / Workload / Cleanup ]
	// [ Hook Points ]
	// [ Providers ]

	daemonBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Daemon"),
			fmt.Sprintf("Version: %s", m.Stats.Version),
			StyleSubtitle.Render(fmt.Sprintf("Uptime: %s", m.Stats.Uptime)),
		),
	)

	workloadBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Workload"),
			fmt.Sprintf("Resources: %d", m.Stats.Resources),
			fmt.Sprintf("Clients:   %d", m.Stats.Clients),
			fmt.Sprintf("Rules:     %d", m.Stats.Rules),
		),
	)

	pendingLine := fmt.Sprintf("In flight: %d", m.Stats.PendingCommands)
	if m.Stats.PendingCommands > 0 {
		pendingLine = StyleStatusWarn.Render(pendingLine)
	}
	cleanupLine := fmt.Sprintf("Cleanup:   %d res, %d prov",
		m.Stats.CleanupResources, m.Stats.CleanupProviders)
	if m.Stats.CleanupResources+m.Stats.CleanupProviders > 0 {
		cleanupLine = StyleStatusWarn.Render(cleanupLine)
	}
	commandsBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Commands"),
			pendingLine,
			cleanupLine,
			StyleSubtitle.Render(fmt.Sprintf("Watchers:  %d", m.Stats.EventSubscribers)),
		),
	)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, daemonBlock, workloadBlock, commandsBlock)

	var hookItems []string
	hookItems = append(hookItems, StyleTitle.Render("Hook Points"))
	if len(m.Hooks) == 0 {
		hookItems = append(hookItems, StyleSubtitle.Render("No hook points configured"))
	} else {
		for _, h := range m.Hooks {
			state := StyleStatusBad.Render("stopped")
			if h.Running {
				state = StyleStatusGood.Render("running")
			}
			line := fmt.Sprintf("%-16s %-9s queue %-5d %s", h.Name, h.Direction, h.QueueNum, state)
			if len(h.Interfaces) > 0 {
				line += StyleSubtitle.Render("  " + strings.Join(h.Interfaces, ", "))
			}
			hookItems = append(hookItems, line)
		}
	}
	hooksBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left, hookItems...),
	)

	providerLine := StyleSubtitle.Render("No providers registered")
	if len(m.Providers) > 0 {
		providerLine = strings.Join(m.Providers, ", ")
	}
	providersBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Providers"),
			providerLine,
		),
	)

	footer := StyleSubtitle.Render(fmt.Sprintf("Last updated: %s", m.LastUpdated.Format("15:04:05")))

	return lipgloss.JoinVertical(lipgloss.Left,
		topRow,
		hooksBlock,
		providersBlock,
		footer,
	)
}
