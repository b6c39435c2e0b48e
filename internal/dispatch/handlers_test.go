// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

type boundHarness struct {
	d   *Dispatcher
	sim *filter.Sim
}

func newBound(t *testing.T) *boundHarness {
	t.Helper()
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	bus := events.NewBus()
	sim := filter.NewSim()
	mgr := hookattach.NewManager(sim, coord, bus, met)
	reg := provider.NewRegistry(coord)

	d := NewDispatcher(met, bus, nil)
	Bind(d, Deps{
		Manager:   mgr,
		Providers: reg,
		Coord:     coord,
		Version:   "test",
	})
	return &boundHarness{d: d, sim: sim}
}

func jsonPayload(t *testing.T, v any) []byte {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return out
}

func (h *boundHarness) run(t *testing.T, cmd Command, payload []byte, corr uint64) outcome {
	t.Helper()
	return dispatchWait(t, h.d, root, EncodeCommand(cmd, payload), 64<<10, corr)
}

func TestPingEchoesPayload(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdPing, []byte("are you there"), 0)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("are you there"), out.reply)
}

func TestGetVersionReply(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdGetVersion, nil, 0)
	require.NoError(t, out.err)

	var rep VersionReply
	require.NoError(t, json.Unmarshal(out.reply, &rep))
	assert.Equal(t, "test", rep.Version)
}

func TestListHooksWithoutRegistry(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdListHooks, nil, 0)
	require.NoError(t, out.err)
	assert.JSONEq(t, "[]", string(out.reply))
}

func TestProviderAttachDetachDeleteFlow(t *testing.T) {
	h := newBound(t)

	out := h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	require.NoError(t, out.err)

	out = h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "inbound",
		Provider:  "wfp",
		ClientID:  "inspector",
	}), 0)
	require.NoError(t, out.err)
	var att AttachReply
	require.NoError(t, json.Unmarshal(out.reply, &att))
	require.NotEmpty(t, att.ResourceID)
	assert.Equal(t, 1, att.Clients)

	out = h.run(t, CmdListResources, nil, 0)
	require.NoError(t, out.err)
	var infos []hookattach.Info
	require.NoError(t, json.Unmarshal(out.reply, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "inbound", infos[0].HookPoint)
	assert.Equal(t, []string{"inspector"}, infos[0].Clients)

	out = h.run(t, CmdDetach, jsonPayload(t, DetachRequest{
		ResourceID: att.ResourceID,
		ClientID:   "inspector",
	}), 0)
	require.NoError(t, out.err)

	out = h.run(t, CmdDeleteResource, jsonPayload(t, DeleteResourceRequest{
		ResourceID: att.ResourceID,
	}), 101)
	require.NoError(t, out.err)

	out = h.run(t, CmdListResources, nil, 0)
	require.NoError(t, out.err)
	assert.JSONEq(t, "[]", string(out.reply))
}

func TestAttachUnknownProvider(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "inbound",
		Provider:  "ghost",
		ClientID:  "c",
	}), 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
}

// fixedHooks serves a static hook-point set.
type fixedHooks []HookPointInfo

func (f fixedHooks) ListHooks() []HookPointInfo { return f }

func (f fixedHooks) Has(name string) bool {
	for _, h := range f {
		if h.Name == name {
			return true
		}
	}
	return false
}

func TestAttachRejectsUnconfiguredHookPoint(t *testing.T) {
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	bus := events.NewBus()
	mgr := hookattach.NewManager(filter.NewSim(), coord, bus, met)
	reg := provider.NewRegistry(coord)

	d := NewDispatcher(met, bus, nil)
	Bind(d, Deps{
		Manager:   mgr,
		Providers: reg,
		Coord:     coord,
		Hooks:     fixedHooks{{Name: "inbound", QueueNum: 100}},
		Version:   "test",
	})
	h := &boundHarness{d: d}

	h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	out := h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "sideband", Provider: "wfp", ClientID: "c",
	}), 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
	assert.Contains(t, out.err.Error(), "sideband")

	out = h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "inbound", Provider: "wfp", ClientID: "c",
	}), 0)
	require.NoError(t, out.err)
}

func TestAddRulesCommandInstalls(t *testing.T) {
	h := newBound(t)
	h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	out := h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "inbound", Provider: "wfp", ClientID: "c",
	}), 0)
	require.NoError(t, out.err)
	var att AttachReply
	require.NoError(t, json.Unmarshal(out.reply, &att))

	out = h.run(t, CmdAddRules, jsonPayload(t, AddRulesRequest{
		ResourceID: att.ResourceID,
		Rules: []filter.RuleParams{
			{Name: "drop-telnet", HookPoint: "inbound", Action: filter.ActionDrop, Match: filter.Match{Protocol: "tcp", DstPort: 23}},
			{Name: "queue-http", HookPoint: "inbound", Action: filter.ActionQueue, Match: filter.Match{Protocol: "tcp", DstPort: 80}},
		},
	}), 202)
	require.NoError(t, out.err)

	var rep AddRulesReply
	require.NoError(t, json.Unmarshal(out.reply, &rep))
	assert.Equal(t, 2, rep.Installed)
	assert.Len(t, h.sim.Rules(), 2)
}

func TestAddRulesInheritsHookRegistration(t *testing.T) {
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	bus := events.NewBus()
	sim := filter.NewSim()
	mgr := hookattach.NewManager(sim, coord, bus, met)
	reg := provider.NewRegistry(coord)

	d := NewDispatcher(met, bus, nil)
	Bind(d, Deps{
		Manager:   mgr,
		Providers: reg,
		Coord:     coord,
		Hooks:     fixedHooks{{Name: "outbound", Direction: "outbound", QueueNum: 205}},
		Version:   "test",
	})
	h := &boundHarness{d: d, sim: sim}

	h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	out := h.run(t, CmdAttach, jsonPayload(t, AttachRequest{
		HookPoint: "outbound", Provider: "wfp", ClientID: "c",
	}), 0)
	require.NoError(t, out.err)
	var att AttachReply
	require.NoError(t, json.Unmarshal(out.reply, &att))

	// The rule sets no placement fields; the resource and the hook
	// registration supply them.
	out = h.run(t, CmdAddRules, jsonPayload(t, AddRulesRequest{
		ResourceID: att.ResourceID,
		Rules: []filter.RuleParams{
			{Name: "steer-https", Action: filter.ActionQueue, Match: filter.Match{Protocol: "tcp", DstPort: 443}},
		},
	}), 505)
	require.NoError(t, out.err)

	rules := h.sim.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "outbound", rules[0].HookPoint)
	assert.Equal(t, "egress", rules[0].Direction)
	assert.Equal(t, uint16(205), rules[0].QueueNum)
}

func TestMalformedJSONPayload(t *testing.T) {
	h := newBound(t)
	h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	out := h.run(t, CmdAttach, []byte("{not json"), 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
}

func TestCancelCommandPayload(t *testing.T) {
	h := newBound(t)

	target := make([]byte, 8)
	binary.LittleEndian.PutUint64(target, 31337)
	out := h.run(t, CmdCancel, target, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))

	// A payload below the fixed 8-byte correlation id is rejected before
	// the handler runs.
	out = h.run(t, CmdCancel, []byte{1, 2, 3}, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
}

func TestDrainCommandOnIdleSystem(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdDrain, jsonPayload(t, DrainRequest{TimeoutMs: 500}), 303)
	require.NoError(t, out.err)

	var rep DrainReply
	require.NoError(t, json.Unmarshal(out.reply, &rep))
	assert.True(t, rep.Drained)
}

func TestDeregisterProviderCommand(t *testing.T) {
	h := newBound(t)
	h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)

	out := h.run(t, CmdDeregisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 404)
	require.NoError(t, out.err)

	out = h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	require.NoError(t, out.err, "name is reusable after rundown completed")
}

func TestDuplicateProviderRegistration(t *testing.T) {
	h := newBound(t)
	out := h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	require.NoError(t, out.err)
	out = h.run(t, CmdRegisterProvider, jsonPayload(t, ProviderRequest{Name: "wfp"}), 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
}
