// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

type diagHarness struct {
	url   string
	mgr   *hookattach.Manager
	reg   *provider.Registry
	d     *dispatch.Dispatcher
	coord *cleanup.Coordinator
	bus   *events.Bus
	ready atomic.Bool
}

type rootCaller struct{}

func (rootCaller) Privileged() bool  { return true }
func (rootCaller) Principal() string { return "root" }

type fixedHooks []dispatch.HookPointInfo

func (f fixedHooks) ListHooks() []dispatch.HookPointInfo { return f }

func (f fixedHooks) Has(name string) bool {
	for _, h := range f {
		if h.Name == name {
			return true
		}
	}
	return false
}

// startDiag serves the diagnostics router over httptest with a live core
// behind it: a simulated backend, a manager, and a bound dispatcher.
func startDiag(t *testing.T) *diagHarness {
	t.Helper()

	h := &diagHarness{
		coord: cleanup.NewCoordinator(),
		bus:   events.NewBus(),
	}
	h.ready.Store(true)

	met := metrics.New()
	sim := filter.NewSim()
	h.mgr = hookattach.NewManager(sim, h.coord, h.bus, met)
	h.reg = provider.NewRegistry(h.coord)
	h.d = dispatch.NewDispatcher(met, h.bus, nil)
	dispatch.Bind(h.d, dispatch.Deps{
		Manager:   h.mgr,
		Providers: h.reg,
		Coord:     h.coord,
		Version:   "test",
	})

	srv := NewServer(Config{Enabled: true}, Deps{
		Manager:    h.mgr,
		Dispatcher: h.d,
		Providers:  h.reg,
		Coord:      h.coord,
		Hooks:      fixedHooks{{Name: "inbound", Direction: "inbound", QueueNum: 100}},
		Bus:        h.bus,
		Metrics:    met,
		Version:    "test",
		Ready:      h.ready.Load,
	})

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	h.url = ts.URL
	return h
}

func (h *diagHarness) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(h.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (h *diagHarness) attach(t *testing.T, providerName, clientID string) *hookattach.Resource {
	t.Helper()
	prov, err := h.reg.Register(providerName)
	require.NoError(t, err)
	res, err := h.mgr.AttachClient("inbound", 4, prov, &client.Func{Name: clientID})
	require.NoError(t, err)
	return res
}

func TestHealthReflectsReadiness(t *testing.T) {
	h := startDiag(t)

	var health map[string]any
	status := h.get(t, "/api/v1/health", &health)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, health["healthy"])
	assert.Equal(t, "test", health["version"])

	h.ready.Store(false)
	status = h.get(t, "/api/v1/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, health["healthy"])
}

func TestResourceListing(t *testing.T) {
	h := startDiag(t)

	var list []hookattach.Info
	status := h.get(t, "/api/v1/resources", &list)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, list)

	res := h.attach(t, "wfp", "inspector")

	status = h.get(t, "/api/v1/resources", &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	assert.Equal(t, res.ID(), list[0].ID)
	assert.Equal(t, "inbound", list[0].HookPoint)
	assert.Equal(t, []string{"inspector"}, list[0].Clients)

	var one hookattach.Info
	status = h.get(t, "/api/v1/resources/"+res.ID(), &one)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, res.ID(), one.ID)

	status = h.get(t, "/api/v1/resources/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatsCountsCoreState(t *testing.T) {
	h := startDiag(t)
	res := h.attach(t, "wfp", "inspector")

	done := make(chan error, 1)
	h.mgr.AddRules(res.ID(), []filter.RuleParams{{
		Name:      "allow-dns",
		HookPoint: "inbound",
		Priority:  10,
		Match:     filter.Match{Protocol: "udp", DstPort: 53},
		Action:    filter.ActionAccept,
	}}, func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rule installation never completed")
	}

	var stats Stats
	status := h.get(t, "/api/v1/stats", &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", stats.Version)
	assert.Equal(t, 1, stats.Resources)
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 1, stats.Rules)
	assert.Equal(t, 0, stats.PendingCommands)
}

func TestHooksAndProviders(t *testing.T) {
	h := startDiag(t)
	h.attach(t, "wfp", "inspector")
	_, err := h.reg.Register("xdp")
	require.NoError(t, err)

	var hooks []dispatch.HookPointInfo
	status := h.get(t, "/api/v1/hooks", &hooks)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, hooks, 1)
	assert.Equal(t, "inbound", hooks[0].Name)
	assert.Equal(t, uint16(100), hooks[0].QueueNum)

	var providers []string
	status = h.get(t, "/api/v1/providers", &providers)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"wfp", "xdp"}, providers)
}

func TestCommandsShowPendingDrain(t *testing.T) {
	h := startDiag(t)

	// An external registration keeps the drain from finishing inline.
	h.coord.Register(cleanup.SetResources, "external")

	payload, err := json.Marshal(dispatch.DrainRequest{TimeoutMs: 60000})
	require.NoError(t, err)
	raw := dispatch.EncodeCommand(dispatch.CmdDrain, payload)
	completed := make(chan error, 1)
	h.d.Dispatch(context.Background(), rootCaller{}, raw, 4096, 42, func(_ []byte, err error) {
		completed <- err
	})

	deadline := time.Now().Add(2 * time.Second)
	var pending []dispatch.PendingInfo
	for time.Now().Before(deadline) {
		status := h.get(t, "/api/v1/commands", &pending)
		require.Equal(t, http.StatusOK, status)
		if len(pending) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, pending, 1)
	assert.Equal(t, "drain", pending[0].Command)
	assert.Equal(t, uint64(42), pending[0].Correlation)

	h.coord.Unregister(cleanup.SetResources, "external")
	select {
	case err := <-completed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain never completed")
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	h := startDiag(t)
	h.attach(t, "wfp", "inspector")

	resp, err := http.Get(h.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "flyhook_clients_attached")
}

func TestEventStreamOverWebsocket(t *testing.T) {
	h := startDiag(t)

	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Subscription races the dial; publish until the subscriber is seen.
	deadline := time.Now().Add(2 * time.Second)
	for h.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, h.bus.Subscribers())

	h.bus.Publish(events.Event{Type: events.TypeResourceCreated, Resource: "res-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeResourceCreated, ev.Type)
	assert.Equal(t, "res-1", ev.Resource)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventStreamUnsubscribesOnClose(t *testing.T) {
	h := startDiag(t)

	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, h.bus.Subscribers())

	require.NoError(t, conn.Close())

	deadline = time.Now().Add(2 * time.Second)
	for h.bus.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, h.bus.Subscribers())
}
