// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hookpoints

import (
	"context"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

type hookHarness struct {
	reg  *Registry
	mgr  *hookattach.Manager
	prov *provider.Registration
	met  *metrics.Metrics
}

func newHookHarness(t *testing.T, cfgs ...HookPointConfig) *hookHarness {
	t.Helper()
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	mgr := hookattach.NewManager(filter.NewSim(), coord, events.NewBus(), met)
	preg := provider.NewRegistry(coord)
	prov, err := preg.Register("wfp")
	require.NoError(t, err)

	if len(cfgs) == 0 {
		cfgs = []HookPointConfig{{Name: "inbound", QueueNum: 100}}
	}
	reg, err := NewRegistry(cfgs, mgr, met)
	require.NoError(t, err)
	return &hookHarness{reg: reg, mgr: mgr, prov: prov, met: met}
}

func verdictClient(id string, v client.Verdict, invoked *[]string) client.Client {
	return &client.Func{
		Name: id,
		Fn: func(context.Context, client.Packet) (client.Verdict, error) {
			if invoked != nil {
				*invoked = append(*invoked, id)
			}
			return v, nil
		},
	}
}

func TestRegistryValidatesConfig(t *testing.T) {
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	mgr := hookattach.NewManager(filter.NewSim(), coord, events.NewBus(), met)

	cases := []struct {
		name string
		cfgs []HookPointConfig
	}{
		{"missing name", []HookPointConfig{{QueueNum: 1}}},
		{"bad direction", []HookPointConfig{{Name: "x", QueueNum: 1, Direction: "sideways"}}},
		{"duplicate name", []HookPointConfig{{Name: "x", QueueNum: 1}, {Name: "x", QueueNum: 2}}},
		{"shared queue", []HookPointConfig{{Name: "x", QueueNum: 1}, {Name: "y", QueueNum: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.cfgs, mgr, met)
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
		})
	}
}

func TestRegistryAppliesDefaults(t *testing.T) {
	h := newHookHarness(t, HookPointConfig{Name: "inbound", QueueNum: 7})

	hook, ok := h.reg.Hook("inbound")
	require.True(t, ok)
	assert.Equal(t, DirectionInbound, hook.cfg.Direction)
	assert.EqualValues(t, DefaultMaxPacketLen, hook.cfg.MaxPacketLen)
	assert.EqualValues(t, DefaultMaxQueueLen, hook.cfg.MaxQueueLen)
}

func TestListHooksKeepsConfigOrder(t *testing.T) {
	h := newHookHarness(t,
		HookPointConfig{Name: "inbound", QueueNum: 100},
		HookPointConfig{Name: "outbound", QueueNum: 101, Direction: DirectionOutbound, Interfaces: []string{"eth0"}},
	)

	infos := h.reg.ListHooks()
	require.Len(t, infos, 2)
	assert.Equal(t, "inbound", infos[0].Name)
	assert.Equal(t, "outbound", infos[1].Name)
	assert.Equal(t, DirectionOutbound, infos[1].Direction)
	assert.EqualValues(t, 101, infos[1].QueueNum)
	assert.Equal(t, []string{"eth0"}, infos[1].Interfaces)
	assert.False(t, infos[0].Running)
}

func TestClassifyWithoutResourceAccepts(t *testing.T) {
	h := newHookHarness(t)
	hook, _ := h.reg.Hook("inbound")

	v := hook.Classify(context.Background(), client.Packet{})
	assert.Equal(t, client.VerdictAccept, v.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.PacketsTotal.WithLabelValues("inbound", "accept")))
}

func TestClassifyFirstNonAcceptWins(t *testing.T) {
	h := newHookHarness(t)
	hook, _ := h.reg.Hook("inbound")

	var invoked []string
	_, err := h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("pass", client.Verdict{Type: client.VerdictAccept}, &invoked))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("block", client.Verdict{Type: client.VerdictDrop}, &invoked))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("after", client.Verdict{Type: client.VerdictAccept}, &invoked))
	require.NoError(t, err)

	v := hook.Classify(context.Background(), client.Packet{Protocol: "tcp", DstPort: 23})
	assert.Equal(t, client.VerdictDrop, v.Type)
	assert.Equal(t, []string{"pass", "block"}, invoked)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.PacketsTotal.WithLabelValues("inbound", "drop")))
}

func TestClassifyMarkTerminatesWalk(t *testing.T) {
	h := newHookHarness(t)
	hook, _ := h.reg.Hook("inbound")

	var invoked []string
	_, err := h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("marker", client.Verdict{Type: client.VerdictAcceptWithMark, Mark: 0x200}, &invoked))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("after", client.Verdict{Type: client.VerdictDrop}, &invoked))
	require.NoError(t, err)

	v := hook.Classify(context.Background(), client.Packet{})
	assert.Equal(t, client.VerdictAcceptWithMark, v.Type)
	assert.EqualValues(t, 0x200, v.Mark)
	assert.Equal(t, []string{"marker"}, invoked)
}

func TestClassifyClientErrorFailsOpen(t *testing.T) {
	h := newHookHarness(t)
	hook, _ := h.reg.Hook("inbound")

	var invoked []string
	_, err := h.mgr.AttachClient("inbound", 4, h.prov, &client.Func{
		Name: "broken",
		Fn: func(context.Context, client.Packet) (client.Verdict, error) {
			return client.Verdict{}, errors.New(errors.KindInternal, "program fault")
		},
	})
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("next", client.Verdict{Type: client.VerdictAccept}, &invoked))
	require.NoError(t, err)

	v := hook.Classify(context.Background(), client.Packet{})
	assert.Equal(t, client.VerdictAccept, v.Type)
	assert.Equal(t, []string{"next"}, invoked)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.InvokeFailures.WithLabelValues("inbound")))
}

func TestClassifyAfterDeletionAccepts(t *testing.T) {
	h := newHookHarness(t)
	hook, _ := h.reg.Hook("inbound")

	res, err := h.mgr.AttachClient("inbound", 4, h.prov,
		verdictClient("block", client.Verdict{Type: client.VerdictDrop}, nil))
	require.NoError(t, err)

	freed := make(chan struct{})
	require.NoError(t, h.mgr.DeleteResource(res.ID(), func() { close(freed) }))
	require.NoError(t, res.Detach("block"))
	<-freed

	v := hook.Classify(context.Background(), client.Packet{})
	assert.Equal(t, client.VerdictAccept, v.Type)
}

func TestDecodeIPv4TCP(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 49152, DstPort: 443, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))

	pkt := decodePacket(buf.Bytes())
	assert.Equal(t, "tcp", pkt.Protocol)
	assert.True(t, pkt.SrcIP.Equal(net.IP{10, 0, 0, 1}))
	assert.True(t, pkt.DstIP.Equal(net.IP{10, 0, 0, 2}))
	assert.EqualValues(t, 49152, pkt.SrcPort)
	assert.EqualValues(t, 443, pkt.DstPort)
	assert.Equal(t, len(buf.Bytes()), pkt.Length)
}

func TestDecodeIPv6UDP(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("fd00::1"),
		DstIP:      net.ParseIP("fd00::2"),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp))

	pkt := decodePacket(buf.Bytes())
	assert.Equal(t, "udp", pkt.Protocol)
	assert.True(t, pkt.SrcIP.Equal(net.ParseIP("fd00::1")))
	assert.EqualValues(t, 53, pkt.DstPort)
}

func TestDecodeUnparsablePayload(t *testing.T) {
	pkt := decodePacket([]byte{0xAB, 0xCD, 0xEF})
	assert.Empty(t, pkt.Protocol)
	assert.Nil(t, pkt.SrcIP)
	assert.Equal(t, 3, pkt.Length)

	empty := decodePacket(nil)
	assert.Equal(t, 0, empty.Length)
}
