// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hookpoints owns the named packet interception points. Each hook
// point drains one nfqueue and runs every packet through the clients
// attached to its resource; the first verdict other than a plain accept
// decides the packet.
package hookpoints

import (
	"context"
	"sync"

	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/metrics"
)

// Traffic directions a hook point can face.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	// DefaultMaxPacketLen copies whole packets to user space.
	DefaultMaxPacketLen = 0xFFFF
	// DefaultMaxQueueLen bounds kernel-side queued packets per hook.
	DefaultMaxQueueLen = 1024
)

// HookPointConfig declares one interception point.
type HookPointConfig struct {
	// Name identifies the hook point to attach and rule commands.
	Name string `hcl:"name,label" json:"name"`

	// Direction selects which device attribute gates packets when
	// interfaces are restricted. Defaults to inbound.
	Direction string `hcl:"direction,optional" json:"direction"`

	// QueueNum is the nfqueue this hook point drains.
	QueueNum uint16 `hcl:"queue_num" json:"queue_num"`

	// Interfaces restricts the hook to packets on these devices. Empty
	// means every device.
	Interfaces []string `hcl:"interfaces,optional" json:"interfaces,omitempty"`

	// MaxPacketLen caps the bytes copied per packet.
	// @default: 65535
	MaxPacketLen uint32 `hcl:"max_packet_len,optional" json:"max_packet_len,omitempty"`

	// MaxQueueLen caps kernel-side queued packets.
	// @default: 1024
	MaxQueueLen uint32 `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty"`
}

func (c *HookPointConfig) normalize() error {
	if c.Name == "" {
		return errors.New(errors.KindInvalidArgument, "hook point needs a name")
	}
	switch c.Direction {
	case "":
		c.Direction = DirectionInbound
	case DirectionInbound, DirectionOutbound:
	default:
		return errors.Errorf(errors.KindInvalidArgument, "hook point %s: direction %q", c.Name, c.Direction)
	}
	if c.MaxPacketLen == 0 {
		c.MaxPacketLen = DefaultMaxPacketLen
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = DefaultMaxQueueLen
	}
	return nil
}

// Registry holds the configured hook points. The set is fixed at
// construction; attach commands address members by name.
type Registry struct {
	mgr *hookattach.Manager
	met *metrics.Metrics
	log *logging.Logger

	mu    sync.Mutex
	hooks map[string]*HookPoint
	order []string
}

// NewRegistry validates the configured hook points and builds their
// runtime state. Readers stay idle until Start.
func NewRegistry(cfgs []HookPointConfig, mgr *hookattach.Manager, met *metrics.Metrics) (*Registry, error) {
	g := &Registry{
		mgr:   mgr,
		met:   met,
		log:   logging.WithComponent("hookpoints"),
		hooks: make(map[string]*HookPoint, len(cfgs)),
	}
	queues := make(map[uint16]string, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i]
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
		if _, dup := g.hooks[cfg.Name]; dup {
			return nil, errors.Errorf(errors.KindInvalidArgument, "hook point %s declared twice", cfg.Name)
		}
		if owner, used := queues[cfg.QueueNum]; used {
			return nil, errors.Errorf(errors.KindInvalidArgument, "hook points %s and %s share queue %d", owner, cfg.Name, cfg.QueueNum)
		}
		queues[cfg.QueueNum] = cfg.Name

		h := &HookPoint{
			cfg: cfg,
			mgr: mgr,
			met: met,
			log: g.log,
		}
		h.reader = newQueueReader(h)
		g.hooks[cfg.Name] = h
		g.order = append(g.order, cfg.Name)
	}
	return g, nil
}

// Start brings up every hook point's queue reader. On failure the readers
// already running are stopped again.
func (g *Registry) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	started := make([]*HookPoint, 0, len(g.order))
	for _, name := range g.order {
		h := g.hooks[name]
		if err := h.start(ctx); err != nil {
			for _, s := range started {
				s.stop()
			}
			return errors.Wrapf(err, errors.GetKind(err), "hook point %s", name)
		}
		started = append(started, h)
		g.log.Info("Hook point up", "hook", name, "queue", h.cfg.QueueNum, "direction", h.cfg.Direction)
	}
	return nil
}

// Stop tears the queue readers down. Hook points remain listed, not
// running.
func (g *Registry) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range g.order {
		g.hooks[name].stop()
	}
}

// Hook resolves a hook point by name.
func (g *Registry) Hook(name string) (*HookPoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.hooks[name]
	return h, ok
}

// Has reports whether the name is a configured hook point.
func (g *Registry) Has(name string) bool {
	_, ok := g.Hook(name)
	return ok
}

// ListHooks implements the command surface's hook listing.
func (g *Registry) ListHooks() []dispatch.HookPointInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	infos := make([]dispatch.HookPointInfo, 0, len(g.order))
	for _, name := range g.order {
		h := g.hooks[name]
		infos = append(infos, dispatch.HookPointInfo{
			Name:       h.cfg.Name,
			Direction:  h.cfg.Direction,
			QueueNum:   h.cfg.QueueNum,
			Interfaces: append([]string(nil), h.cfg.Interfaces...),
			Running:    h.Running(),
		})
	}
	return infos
}

// HookPoint is one interception point bound to an nfqueue.
type HookPoint struct {
	cfg    HookPointConfig
	mgr    *hookattach.Manager
	met    *metrics.Metrics
	log    *logging.Logger
	reader *queueReader

	mu      sync.Mutex
	running bool
}

// Name returns the hook point's name.
func (h *HookPoint) Name() string { return h.cfg.Name }

// QueueNum returns the nfqueue this hook point drains.
func (h *HookPoint) QueueNum() uint16 { return h.cfg.QueueNum }

// Running reports whether the queue reader is up.
func (h *HookPoint) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *HookPoint) start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	if err := h.reader.start(ctx); err != nil {
		return err
	}
	h.running = true
	return nil
}

func (h *HookPoint) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.reader.stop()
	h.running = false
}

// Classify runs one packet through the hook's attached clients and returns
// the winning verdict. The client snapshot is taken under the resource lock
// and invoked without it, so a client may attach or detach from inside its
// own callback. The first verdict other than a plain accept wins and ends
// the walk; a client error counts against the hook and the walk continues.
func (h *HookPoint) Classify(ctx context.Context, pkt client.Packet) client.Verdict {
	verdict := client.Verdict{Type: client.VerdictAccept}

	res, ok := h.mgr.ForHook(h.cfg.Name)
	if !ok {
		h.observe(verdict)
		return verdict
	}
	release, ok := res.TryPin()
	if !ok {
		h.observe(verdict)
		return verdict
	}
	defer release()

	for _, c := range res.Clients() {
		v, err := c.Invoke(ctx, pkt)
		if err != nil {
			h.met.InvokeFailures.WithLabelValues(h.cfg.Name).Inc()
			h.log.WithError(err).Debug("Client invocation failed", "hook", h.cfg.Name, "client", c.ID())
			continue
		}
		if v.Type != client.VerdictAccept {
			verdict = v
			break
		}
	}
	h.observe(verdict)
	return verdict
}

func (h *HookPoint) observe(v client.Verdict) {
	h.met.PacketsTotal.WithLabelValues(h.cfg.Name, verdictLabel(v)).Inc()
}

func verdictLabel(v client.Verdict) string {
	switch v.Type {
	case client.VerdictDrop:
		return "drop"
	case client.VerdictAcceptWithMark:
		return "accept_with_mark"
	default:
		return "accept"
	}
}
