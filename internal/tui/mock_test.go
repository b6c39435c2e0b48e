// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/hookattach"
)

// MockBackend implements Backend for testing purposes
type MockBackend struct {
	StatsData     *diag.Stats
	ResourcesData []hookattach.Info
	CommandsData  []dispatch.PendingInfo
	HooksData     []dispatch.HookPointInfo
	ProvidersData []string
	EventCh       chan events.Event
	Err           error
	StopCalled    bool
}

func (m *MockBackend) Stats() (*diag.Stats, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.StatsData == nil {
		return &diag.Stats{Version: "test", Uptime: "1h"}, nil
	}
	return m.StatsData, nil
}

func (m *MockBackend) Resources() ([]hookattach.Info, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.ResourcesData, nil
}

func (m *MockBackend) Commands() ([]dispatch.PendingInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.CommandsData, nil
}

func (m *MockBackend) Hooks() ([]dispatch.HookPointInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.HooksData, nil
}

func (m *MockBackend) Providers() ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.ProvidersData, nil
}

func (m *MockBackend) Events() (<-chan events.Event, func(), error) {
	if m.Err != nil {
		return nil, nil, m.Err
	}
	if m.EventCh == nil {
		m.EventCh = make(chan events.Event, 8)
	}
	return m.EventCh, func() { m.StopCalled = true }, nil
}
