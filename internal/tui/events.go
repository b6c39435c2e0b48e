// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/flyhook/internal/events"
)

// eventHistory caps the feed; older entries scroll off.
const eventHistory = 200

// EventsModel tails the daemon's lifecycle event stream.
type EventsModel struct {
	Backend Backend
	Events  []events.Event // oldest first

	ch   <-chan events.Event
	stop func()

	Width  int
	Height int
}

func NewEventsModel(backend Backend) EventsModel {
	return EventsModel{
		Backend: backend,
	}
}

type eventStream struct {
	ch   <-chan events.Event
	stop func()
}

type streamClosed struct{}

type streamRetry struct{}

func (m EventsModel) Init() tea.Cmd {
	return m.connect()
}

func (m EventsModel) connect() tea.Cmd {
	return func() tea.Msg {
		ch, stop, err := m.Backend.Events()
		if err != nil {
			return BackendError{Err: err}
		}
		return eventStream{ch: ch, stop: stop}
	}
}

// waitForEvent blocks on the stream and turns one event into a message.
// The command is re-armed after every delivery.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosed{}
		}
		return ev
	}
}

func (m EventsModel) Update(msg tea.Msg) (EventsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case eventStream:
		if m.stop != nil {
			m.stop()
		}
		m.ch = msg.ch
		m.stop = msg.stop
		return m, waitForEvent(m.ch)

	case events.Event:
		m.Events = append(m.Events, msg)
		if len(m.Events) > eventHistory {
			m.Events = m.Events[len(m.Events)-eventHistory:]
		}
		if m.ch != nil {
			return m, waitForEvent(m.ch)
		}

	case streamClosed:
		m.ch = nil
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return streamRetry{}
		})

	case streamRetry:
		if m.ch == nil {
			return m, m.connect()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func (m EventsModel) View() string {
	var items []string
	items = append(items, StyleTitle.Render("Event Stream"))

	if m.ch == nil {
		items = append(items, StyleStatusWarn.Render("stream disconnected, retrying..."))
	}

	visible := m.Events
	rows := m.Height - 8
	if rows > 0 && len(visible) > rows {
		visible = visible[len(visible)-rows:]
	}
	if len(visible) == 0 {
		items = append(items, StyleSubtitle.Render("Waiting for events"))
	}
	for _, ev := range visible {
		items = append(items, renderEvent(ev))
	}

	feed := StyleCard.Width(m.Width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, items...),
	)
	footer := StyleSubtitle.Render(fmt.Sprintf("%d events held", len(m.Events)))

	return lipgloss.JoinVertical(lipgloss.Left, feed, footer)
}

func renderEvent(ev events.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	line := fmt.Sprintf("• [%s] %s", ts, ev.Type)
	if ev.Resource != "" {
		line += " res=" + shortID(ev.Resource)
	}
	if ev.Rule != "" {
		line += " rule=" + ev.Rule
	}
	if ev.Command != "" {
		line += " cmd=" + ev.Command
	}
	if ev.Provider != "" {
		line += " prov=" + ev.Provider
	}

	switch ev.Type {
	case events.TypeRuleDeleteFailed:
		return StyleStatusBad.Render(line)
	case events.TypeResourceDeleting, events.TypeCommandCancelled,
		events.TypeProviderRundown, events.TypeDrainStarted:
		return StyleStatusWarn.Render(line)
	case events.TypeResourceFreed, events.TypeDrainFinished:
		return StyleStatusGood.Render(line)
	default:
		return line
	}
}
