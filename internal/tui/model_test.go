// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/hookattach"
)

func TestModel_Update_TabSwitching(t *testing.T) {
	backend := &MockBackend{}
	m := NewModel(backend)

	// Initial state
	assert.Equal(t, ViewOverview, m.ActiveView)

	// Simulate Tab key press
	msg := tea.KeyMsg{Type: tea.KeyTab}
	newModel, _ := m.Update(msg)
	m = newModel.(Model)

	// Should switch to next view (Resources)
	assert.Equal(t, ViewResources, m.ActiveView)

	// Tab again -> Commands
	newModel, _ = m.Update(msg)
	m = newModel.(Model)
	assert.Equal(t, ViewCommands, m.ActiveView)
}

func TestModel_Update_BackendError(t *testing.T) {
	backend := &MockBackend{}
	m := NewModel(backend)

	// Simulate BackendError
	err := errors.New("connection lost")
	msg := BackendError{Err: err}

	newModel, _ := m.Update(msg)
	m = newModel.(Model)

	// ConnectionError should be set
	assert.Equal(t, "connection lost", m.ConnectionError)

	// View should render error message
	view := m.View()
	assert.Contains(t, view, "Connection Lost")
	assert.Contains(t, view, "connection lost")
}

func TestModel_Update_WindowSize(t *testing.T) {
	backend := &MockBackend{}
	m := NewModel(backend)

	// Simulate Window Resize
	msg := tea.WindowSizeMsg{Width: 100, Height: 50}
	newModel, _ := m.Update(msg)
	m = newModel.(Model)

	// Dimensions should be updated
	assert.Equal(t, 100, m.Width)
	assert.Equal(t, 50, m.Height)

	// Sub-models should also be updated (checked via Overview Width)
	assert.Equal(t, 100, m.Overview.Width)
	assert.Equal(t, 50, m.Overview.Height)
}

func TestModel_DataReachesHiddenViews(t *testing.T) {
	backend := &MockBackend{}
	m := NewModel(backend)
	m.ActiveView = ViewOverview

	// Resource data arrives while the resources view is hidden
	infos := []hookattach.Info{{ID: "res-1", HookPoint: "inbound", State: "active"}}
	newModel, _ := m.Update(infos)
	m = newModel.(Model)

	assert.Len(t, m.Resources.Resources, 1)
	assert.Len(t, m.Resources.Table.Rows(), 1)
}

func TestOverview_RendersStats(t *testing.T) {
	backend := &MockBackend{}
	m := NewOverviewModel(backend)

	stats := &diag.Stats{
		Version:          "1.2.3",
		Uptime:           "2h",
		Resources:        3,
		Clients:          5,
		Rules:            7,
		PendingCommands:  1,
		CleanupResources: 2,
	}
	m, _ = m.Update(stats)
	m, _ = m.Update([]dispatch.HookPointInfo{{Name: "inbound", Direction: "inbound", QueueNum: 100, Running: true}})
	m, _ = m.Update([]string{"xdp"})

	view := m.View()
	assert.Contains(t, view, "1.2.3")
	assert.Contains(t, view, "Resources: 3")
	assert.Contains(t, view, "inbound")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "xdp")
}

func TestCommands_RowsShowCancellation(t *testing.T) {
	backend := &MockBackend{}
	m := NewCommandsModel(backend)

	pending := []dispatch.PendingInfo{
		{Command: "drain", Correlation: 42, Started: time.Now().Add(-3 * time.Second)},
		{Command: "delete_resource", Correlation: 43, Started: time.Now(), Cancelling: true},
	}
	m, _ = m.Update(pending)

	rows := m.Table.Rows()
	assert.Len(t, rows, 2)
	assert.Equal(t, "drain", rows[0][0])
	assert.Equal(t, "running", rows[0][3])
	assert.Equal(t, "cancelling", rows[1][3])
}

func TestEvents_FeedAppendsAndCaps(t *testing.T) {
	backend := &MockBackend{}
	m := NewEventsModel(backend)

	ch := make(chan events.Event)
	m, cmd := m.Update(eventStream{ch: ch, stop: func() {}})
	assert.NotNil(t, cmd, "stream arrival should arm the wait command")

	for i := 0; i < eventHistory+10; i++ {
		m, _ = m.Update(events.Event{Type: events.TypeRuleInstalled, Rule: "r"})
	}
	assert.Len(t, m.Events, eventHistory)
}

func TestEvents_ReconnectsAfterClose(t *testing.T) {
	backend := &MockBackend{}
	m := NewEventsModel(backend)

	ch := make(chan events.Event)
	m, _ = m.Update(eventStream{ch: ch, stop: func() {}})

	m, cmd := m.Update(streamClosed{})
	assert.Nil(t, m.ch)
	assert.NotNil(t, cmd, "close should schedule a retry tick")

	m, cmd = m.Update(streamRetry{})
	assert.NotNil(t, cmd, "retry should attempt to reconnect")
}
