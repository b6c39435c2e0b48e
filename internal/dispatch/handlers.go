// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/provider"
)

// HookPointInfo describes one registered hook point for list_hooks.
type HookPointInfo struct {
	Name       string   `json:"name"`
	Direction  string   `json:"direction"`
	QueueNum   uint16   `json:"queue_num"`
	Interfaces []string `json:"interfaces,omitempty"`
	Running    bool     `json:"running"`
}

// HookLister exposes the registered hook points to the command surface.
type HookLister interface {
	ListHooks() []HookPointInfo
	Has(name string) bool
}

// Deps are the subsystems the standard command set operates on.
type Deps struct {
	Manager   *hookattach.Manager
	Providers *provider.Registry
	Coord     *cleanup.Coordinator
	Hooks     HookLister
	Version   string
}

// Binding is the standard command set bound to its subsystems. It owns the
// program handles opened on behalf of attach commands and closes them on
// detach or at shutdown.
type Binding struct {
	d       *Dispatcher
	deps    Deps
	started time.Time
	log     *logging.Logger

	mu      sync.Mutex
	closers map[string]func() error
}

// Bind registers the standard command set on d.
func Bind(d *Dispatcher, deps Deps) *Binding {
	b := &Binding{
		d:       d,
		deps:    deps,
		started: time.Now(),
		log:     logging.WithComponent("commands"),
		closers: make(map[string]func() error),
	}

	d.Register(CmdPing, Spec{Name: "ping", Handler: b.ping})
	d.Register(CmdGetVersion, Spec{Name: "get_version", Handler: b.getVersion, MinReply: 2})
	d.Register(CmdListHooks, Spec{Name: "list_hooks", Handler: b.listHooks, MinReply: 2})
	d.Register(CmdListResources, Spec{Name: "list_resources", Handler: b.listResources, MinReply: 2})
	d.Register(CmdAttach, Spec{Name: "attach", Handler: b.attach, Privileged: true, MinPayload: 2, MinReply: 2})
	d.Register(CmdDetach, Spec{Name: "detach", Handler: b.detach, Privileged: true, MinPayload: 2})
	d.Register(CmdAddRules, Spec{Name: "add_rules", Async: b.addRules, Privileged: true, MinPayload: 2, MinReply: 2})
	d.Register(CmdDeleteResource, Spec{Name: "delete_resource", Async: b.deleteResource, Privileged: true, MinPayload: 2})
	d.Register(CmdCancel, Spec{Name: "cancel", Handler: b.cancel, Privileged: true, MinPayload: 8})
	d.Register(CmdDrain, Spec{Name: "drain", Async: b.drain, Privileged: true, MinReply: 2})
	d.Register(CmdRegisterProvider, Spec{Name: "register_provider", Handler: b.registerProvider, Privileged: true, MinPayload: 2})
	d.Register(CmdDeregisterProvider, Spec{Name: "deregister_provider", Async: b.deregisterProvider, Privileged: true, MinPayload: 2})

	return b
}

// Close releases program handles that were never detached.
func (b *Binding) Close() {
	b.mu.Lock()
	closers := b.closers
	b.closers = make(map[string]func() error)
	b.mu.Unlock()

	for key, cl := range closers {
		if err := cl(); err != nil {
			b.log.WithError(err).Warn("Closing leftover client program failed", "client", key)
		}
	}
}

func marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding reply")
	}
	return out, nil
}

func unmarshal(payload []byte, v any, what string) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrapf(err, errors.KindInvalidArgument, "bad %s payload", what)
	}
	return nil
}

func (b *Binding) ping(_ context.Context, call *Call) ([]byte, error) {
	echo := make([]byte, len(call.Payload))
	copy(echo, call.Payload)
	return echo, nil
}

type VersionReply struct {
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_s"`
	Pending int    `json:"pending_commands"`
}

func (b *Binding) getVersion(_ context.Context, _ *Call) ([]byte, error) {
	return marshal(VersionReply{
		Version: b.deps.Version,
		Uptime:  int64(time.Since(b.started).Seconds()),
		Pending: b.d.PendingCount(),
	})
}

func (b *Binding) listHooks(_ context.Context, _ *Call) ([]byte, error) {
	if b.deps.Hooks == nil {
		return marshal([]HookPointInfo{})
	}
	return marshal(b.deps.Hooks.ListHooks())
}

func (b *Binding) listResources(_ context.Context, _ *Call) ([]byte, error) {
	return marshal(b.deps.Manager.List())
}

type AttachRequest struct {
	HookPoint   string `json:"hook_point"`
	MaxClients  int    `json:"max_clients,omitempty"`
	Provider    string `json:"provider"`
	ClientID    string `json:"client_id"`
	ProgramPath string `json:"program_path,omitempty"`
	ProgramName string `json:"program_name,omitempty"`
}

type AttachReply struct {
	ResourceID string `json:"resource_id"`
	Clients    int    `json:"clients"`
}

func (b *Binding) attach(_ context.Context, call *Call) ([]byte, error) {
	var req AttachRequest
	if err := unmarshal(call.Payload, &req, "attach"); err != nil {
		return nil, err
	}
	if b.deps.Hooks != nil && !b.deps.Hooks.Has(req.HookPoint) {
		return nil, errors.Errorf(errors.KindInvalidArgument, "hook point %q not configured", req.HookPoint)
	}
	prov, ok := b.deps.Providers.Get(req.Provider)
	if !ok {
		return nil, errors.Errorf(errors.KindInvalidArgument, "provider %q not registered", req.Provider)
	}

	var (
		c      client.Client
		closer func() error
	)
	if req.ProgramPath != "" {
		prog, err := client.LoadProgram(req.ProgramPath, req.ProgramName)
		if err != nil {
			return nil, err
		}
		c = &client.Func{Name: req.ClientID, Fn: prog.Invoke}
		closer = prog.Close
	} else {
		c = &client.Func{Name: req.ClientID}
	}

	res, err := b.deps.Manager.AttachClient(req.HookPoint, req.MaxClients, prov, c)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		b.mu.Lock()
		b.closers[res.ID()+"/"+req.ClientID] = closer
		b.mu.Unlock()
	}
	return marshal(AttachReply{ResourceID: res.ID(), Clients: res.ClientCount()})
}

type DetachRequest struct {
	ResourceID string `json:"resource_id"`
	ClientID   string `json:"client_id"`
}

func (b *Binding) detach(_ context.Context, call *Call) ([]byte, error) {
	var req DetachRequest
	if err := unmarshal(call.Payload, &req, "detach"); err != nil {
		return nil, err
	}
	if err := b.deps.Manager.DetachClient(req.ResourceID, req.ClientID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	closer := b.closers[req.ResourceID+"/"+req.ClientID]
	delete(b.closers, req.ResourceID+"/"+req.ClientID)
	b.mu.Unlock()
	if closer != nil {
		if err := closer(); err != nil {
			b.log.WithError(err).Warn("Closing detached client program failed",
				"resource", req.ResourceID, "client", req.ClientID)
		}
	}
	return nil, nil
}

type AddRulesRequest struct {
	ResourceID string              `json:"resource_id"`
	Rules      []filter.RuleParams `json:"rules"`
}

type AddRulesReply struct {
	Installed int `json:"installed"`
}

func (b *Binding) addRules(ctx context.Context, call *Call, complete CompleteFunc) {
	var req AddRulesRequest
	if err := unmarshal(call.Payload, &req, "add_rules"); err != nil {
		complete(nil, err)
		return
	}
	if ctx.Err() != nil {
		complete(nil, errors.New(errors.KindCancelled, "cancelled before submission"))
		return
	}
	b.resolveRuleTargets(req.ResourceID, req.Rules)
	// Installation is not abortable once submitted; a cancellation that
	// lands now is answered by the batch's real outcome.
	b.deps.Manager.AddRules(req.ResourceID, req.Rules, func(err error) {
		if err != nil {
			complete(nil, err)
			return
		}
		reply, merr := marshal(AddRulesReply{Installed: len(req.Rules)})
		complete(reply, merr)
	})
}

// resolveRuleTargets completes each rule's placement before it reaches
// the backend. A rule naming no hook point inherits the resource's; an
// unset direction or queue number is taken from the hook registration.
func (b *Binding) resolveRuleTargets(resourceID string, rules []filter.RuleParams) {
	resHook := ""
	if res, err := b.deps.Manager.Resource(resourceID); err == nil {
		resHook = res.HookPoint()
	}
	var hooks []HookPointInfo
	if b.deps.Hooks != nil {
		hooks = b.deps.Hooks.ListHooks()
	}
	for i := range rules {
		if rules[i].HookPoint == "" {
			rules[i].HookPoint = resHook
		}
		for _, h := range hooks {
			if h.Name != rules[i].HookPoint {
				continue
			}
			if rules[i].Direction == "" {
				rules[i].Direction = ruleDirection(h.Direction)
			}
			if rules[i].QueueNum == 0 {
				rules[i].QueueNum = h.QueueNum
			}
			break
		}
	}
}

// ruleDirection maps a hook point's traffic direction onto the chain
// placement its rules use.
func ruleDirection(hookDirection string) string {
	if hookDirection == "outbound" {
		return "egress"
	}
	return "ingress"
}

type DeleteResourceRequest struct {
	ResourceID string `json:"resource_id"`
}

func (b *Binding) deleteResource(_ context.Context, call *Call, complete CompleteFunc) {
	var req DeleteResourceRequest
	if err := unmarshal(call.Payload, &req, "delete_resource"); err != nil {
		complete(nil, err)
		return
	}
	// Teardown is irrevocable; the command completes when the resource is
	// actually freed, however long its clients take to detach.
	err := b.deps.Manager.DeleteResource(req.ResourceID, func() {
		complete(nil, nil)
	})
	if err != nil {
		complete(nil, err)
	}
}

func (b *Binding) cancel(_ context.Context, call *Call) ([]byte, error) {
	target := binary.LittleEndian.Uint64(call.Payload[:8])
	if err := b.d.CancelCommand(target); err != nil {
		return nil, err
	}
	return nil, nil
}

type DrainRequest struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

type DrainReply struct {
	Drained   bool `json:"drained"`
	Resources int  `json:"resources_pending"`
	Providers int  `json:"providers_pending"`
}

func (b *Binding) drain(ctx context.Context, call *Call, complete CompleteFunc) {
	var req DrainRequest
	if len(call.Payload) > 0 {
		if err := unmarshal(call.Payload, &req, "drain"); err != nil {
			complete(nil, err)
			return
		}
	}
	timeout := 5 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	results := make(chan cleanup.Result, 1)
	go func() { results <- b.deps.Coord.Drain(timeout) }()

	go func() {
		select {
		case res := <-results:
			resources, providers := b.deps.Coord.Pending()
			if res.TimedOut {
				err := errors.Errorf(errors.KindTimedOut, "drain timed out after %s", timeout)
				err = errors.Attr(err, "resources", resources)
				err = errors.Attr(err, "providers", providers)
				complete(nil, err)
				return
			}
			reply, merr := marshal(DrainReply{Drained: true})
			complete(reply, merr)
		case <-ctx.Done():
			complete(nil, errors.New(errors.KindCancelled, "drain cancelled"))
		}
	}()
}

type ProviderRequest struct {
	Name string `json:"name"`
}

type ProviderReply struct {
	Provider string `json:"provider"`
	Refs     int64  `json:"refs"`
}

func (b *Binding) registerProvider(_ context.Context, call *Call) ([]byte, error) {
	var req ProviderRequest
	if err := unmarshal(call.Payload, &req, "register_provider"); err != nil {
		return nil, err
	}
	reg, err := b.deps.Providers.Register(req.Name)
	if err != nil {
		return nil, err
	}
	return marshal(ProviderReply{Provider: reg.Name(), Refs: reg.Refs()})
}

func (b *Binding) deregisterProvider(_ context.Context, call *Call, complete CompleteFunc) {
	var req ProviderRequest
	if err := unmarshal(call.Payload, &req, "deregister_provider"); err != nil {
		complete(nil, err)
		return
	}
	// Rundown waits for every resource holding the provider; it cannot be
	// abandoned part way, so the cancellation hint is not consulted.
	b.deps.Providers.Deregister(req.Name, func(err error) {
		if err != nil {
			complete(nil, err)
			return
		}
		reply, merr := marshal(map[string]string{"provider": req.Name, "state": "deregistered"})
		complete(reply, merr)
	})
}

// EncodeCommand builds a raw command buffer: the little-endian command id
// followed by the payload. The channel client and tests share it.
func EncodeCommand(cmd Command, payload []byte) []byte {
	buf := make([]byte, CommandHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(cmd))
	copy(buf[CommandHeaderSize:], payload)
	return buf
}
