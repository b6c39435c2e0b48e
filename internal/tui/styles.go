// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorDeep = lipgloss.Color("24")
	ColorIce  = lipgloss.Color("195")
	ColorDim  = lipgloss.Color("240")
	ColorGood = lipgloss.Color("42")
	ColorWarn = lipgloss.Color("214")
	ColorBad  = lipgloss.Color("196")
)

var (
	StyleApp = lipgloss.NewStyle().Padding(0, 1)

	StyleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDeep).
			Padding(0, 1).
			MarginRight(1)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Foreground(ColorIce)
	StyleSubtitle = lipgloss.NewStyle().Foreground(ColorDim)
	StyleHeader   = lipgloss.NewStyle().Bold(true).Foreground(ColorIce)

	StyleTopBar         = lipgloss.NewStyle().MarginBottom(1)
	StyleMenuKey        = lipgloss.NewStyle().Foreground(ColorWarn)
	StyleMenuItem       = lipgloss.NewStyle().Padding(0, 1).Foreground(ColorDim)
	StyleMenuItemActive = lipgloss.NewStyle().Padding(0, 1).Foreground(ColorIce).Bold(true)

	StyleStatusGood = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	StyleStatusWarn = lipgloss.NewStyle().Foreground(ColorWarn)
	StyleStatusBad  = lipgloss.NewStyle().Foreground(ColorBad).Bold(true)
)
