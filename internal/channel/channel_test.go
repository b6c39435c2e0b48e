// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

type wireHarness struct {
	d     *dispatch.Dispatcher
	sim   *filter.Sim
	coord *cleanup.Coordinator
	srv   *Server
	cli   *Client
}

// startWire brings up a full server over a throwaway socket and dials it.
// Peer identity is pinned so the tests do not depend on the uid running them.
func startWire(t *testing.T, privileged bool) *wireHarness {
	t.Helper()

	coord := cleanup.NewCoordinator()
	met := metrics.New()
	bus := events.NewBus()
	sim := filter.NewSim()
	mgr := hookattach.NewManager(sim, coord, bus, met)
	reg := provider.NewRegistry(coord)

	d := dispatch.NewDispatcher(met, bus, nil)
	dispatch.Bind(d, dispatch.Deps{
		Manager:   mgr,
		Providers: reg,
		Coord:     coord,
		Version:   "test",
	})

	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "cmd.sock")
	srv := NewServer(cfg, d, nil)
	srv.identify = func(*net.UnixConn) dispatch.Caller {
		return peerCaller{name: "test", priv: privileged}
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	cli, err := Dial(cfg.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return &wireHarness{d: d, sim: sim, coord: coord, srv: srv, cli: cli}
}

func (h *wireHarness) do(t *testing.T, cmd dispatch.Command, v any) ([]byte, error) {
	t.Helper()
	var payload []byte
	if v != nil {
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.cli.Do(ctx, cmd, payload, 0)
}

func waitPending(t *testing.T, d *dispatch.Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.PendingCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending count never reached %d, have %d", want, d.PendingCount())
}

func TestWirePingRoundTrip(t *testing.T) {
	h := startWire(t, true)

	reply, err := h.cli.Do(context.Background(), dispatch.CmdPing, []byte("hello over the wire"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello over the wire"), reply)
}

func TestWireVersion(t *testing.T) {
	h := startWire(t, true)

	reply, err := h.do(t, dispatch.CmdGetVersion, nil)
	require.NoError(t, err)

	var rep dispatch.VersionReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	assert.Equal(t, "test", rep.Version)
}

func TestWireUnprivilegedDenied(t *testing.T) {
	h := startWire(t, false)

	// Read-only commands stay open to everyone.
	_, err := h.do(t, dispatch.CmdListResources, nil)
	require.NoError(t, err)

	_, err = h.do(t, dispatch.CmdRegisterProvider, dispatch.ProviderRequest{Name: "wfp"})
	require.Error(t, err)
	assert.Equal(t, errors.KindAccessDenied, errors.GetKind(err))
}

func TestWireErrorKindSurvivesTransport(t *testing.T) {
	h := startWire(t, true)

	_, err := h.do(t, dispatch.CmdAttach, dispatch.AttachRequest{
		HookPoint: "inbound", Provider: "ghost", ClientID: "c",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestWireAttachAddRulesDeleteFlow(t *testing.T) {
	h := startWire(t, true)

	_, err := h.do(t, dispatch.CmdRegisterProvider, dispatch.ProviderRequest{Name: "wfp"})
	require.NoError(t, err)

	reply, err := h.do(t, dispatch.CmdAttach, dispatch.AttachRequest{
		HookPoint: "inbound", Provider: "wfp", ClientID: "inspector",
	})
	require.NoError(t, err)
	var att dispatch.AttachReply
	require.NoError(t, json.Unmarshal(reply, &att))
	require.NotEmpty(t, att.ResourceID)

	// Deferred completion travels back over the same connection.
	reply, err = h.do(t, dispatch.CmdAddRules, dispatch.AddRulesRequest{
		ResourceID: att.ResourceID,
		Rules: []filter.RuleParams{
			{Name: "drop-telnet", HookPoint: "inbound", Action: filter.ActionDrop, Match: filter.Match{Protocol: "tcp", DstPort: 23}},
		},
	})
	require.NoError(t, err)
	var added dispatch.AddRulesReply
	require.NoError(t, json.Unmarshal(reply, &added))
	assert.Equal(t, 1, added.Installed)
	assert.Len(t, h.sim.Rules(), 1)

	_, err = h.do(t, dispatch.CmdDeleteResource, dispatch.DeleteResourceRequest{ResourceID: att.ResourceID})
	require.NoError(t, err)

	reply, err = h.do(t, dispatch.CmdListResources, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(reply))
	assert.Empty(t, h.sim.Rules())
}

func TestWireReplyExceedsDeclaredCap(t *testing.T) {
	h := startWire(t, true)

	payload := make([]byte, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.cli.Do(ctx, dispatch.CmdPing, payload, 8)
	require.Error(t, err)
	assert.Equal(t, errors.KindBufferTooSmall, errors.GetKind(err))
}

func TestWireConcurrentCommands(t *testing.T) {
	h := startWire(t, true)

	const callers = 16
	var wg sync.WaitGroup
	failures := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			want := fmt.Sprintf("caller-%d", n)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			reply, err := h.cli.Do(ctx, dispatch.CmdPing, []byte(want), 0)
			if err != nil {
				failures <- err
				return
			}
			if string(reply) != want {
				failures <- fmt.Errorf("reply %q routed to caller %d", reply, n)
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestWireConnDeathCancelsPending(t *testing.T) {
	h := startWire(t, true)

	// A foreign registration keeps the drain from finishing on its own.
	h.coord.Register(cleanup.SetResources, "external")
	defer h.coord.Unregister(cleanup.SetResources, "external")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = h.cli.Do(ctx, dispatch.CmdDrain, mustJSON(dispatch.DrainRequest{TimeoutMs: 60000}), 0)
	}()
	waitPending(t, h.d, 1)

	require.NoError(t, h.cli.Close())
	waitPending(t, h.d, 0)
}

func TestWireAbandonedCommandIsCancelled(t *testing.T) {
	h := startWire(t, true)

	h.coord.Register(cleanup.SetResources, "external")
	defer h.coord.Unregister(cleanup.SetResources, "external")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.cli.Do(ctx, dispatch.CmdDrain, mustJSON(dispatch.DrainRequest{TimeoutMs: 60000}), 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.GetKind(err))

	// The client's cancel hint reaches the daemon and the drain unwinds.
	waitPending(t, h.d, 0)
}

func TestWireMalformedFrameAnsweredOnce(t *testing.T) {
	h := startWire(t, true)

	raw, err := net.Dial("unix", h.srv.cfg.SocketPath)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.SetDeadline(time.Now().Add(2*time.Second)))
	junk := make([]byte, RequestHeaderSize)
	copy(junk, "not a frame at all........")
	_, err = raw.Write(junk)
	require.NoError(t, err)

	rep, err := ReadReply(raw)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(StatusOK), rep.Status)
	assert.EqualValues(t, 0, rep.Correlation)

	// The server hangs up after answering a stream it cannot trust.
	_, err = ReadReply(raw)
	require.Error(t, err)
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
