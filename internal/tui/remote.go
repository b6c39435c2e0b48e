// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/hookattach"
)

// RemoteBackend implements Backend over the daemon's diagnostics HTTP API.
type RemoteBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewRemoteBackend creates a backend for the given base URL, e.g.
// "http://127.0.0.1:9814".
func NewRemoteBackend(baseURL string) *RemoteBackend {
	return &RemoteBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (b *RemoteBackend) get(path string, v any) error {
	resp, err := b.Client.Get(b.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (b *RemoteBackend) Stats() (*diag.Stats, error) {
	var stats diag.Stats
	if err := b.get("/api/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (b *RemoteBackend) Resources() ([]hookattach.Info, error) {
	var infos []hookattach.Info
	if err := b.get("/api/v1/resources", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (b *RemoteBackend) Commands() ([]dispatch.PendingInfo, error) {
	var pending []dispatch.PendingInfo
	if err := b.get("/api/v1/commands", &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (b *RemoteBackend) Hooks() ([]dispatch.HookPointInfo, error) {
	var hooks []dispatch.HookPointInfo
	if err := b.get("/api/v1/hooks", &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (b *RemoteBackend) Providers() ([]string, error) {
	var names []string
	if err := b.get("/api/v1/providers", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Events opens the websocket stream. The returned channel closes when the
// connection drops; the stop function hangs up.
func (b *RemoteBackend) Events() (<-chan events.Event, func(), error) {
	wsURL := "ws" + strings.TrimPrefix(b.BaseURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/v1/events", nil)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan events.Event, 32)
	go func() {
		defer close(ch)
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			ch <- ev
		}
	}()
	return ch, func() { conn.Close() }, nil
}
