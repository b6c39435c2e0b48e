// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hookattach

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/provider"
	"grimm.is/flyhook/internal/refcount"
)

// State is a resource's lifecycle phase.
type State int32

const (
	StateActive State = iota
	StateDeleting
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// RuleState tracks one installed rule through its deletion.
type RuleState int

const (
	RuleAdded RuleState = iota
	RuleDeleting
	RuleDeleted
	RuleDeleteFailed
)

func (s RuleState) String() string {
	switch s {
	case RuleAdded:
		return "added"
	case RuleDeleting:
		return "deleting"
	case RuleDeleted:
		return "deleted"
	case RuleDeleteFailed:
		return "delete_failed"
	default:
		return "unknown"
	}
}

// RuleRecord is the resource's bookkeeping for one installed rule. Failed
// deletions keep their record, with the error, until the resource is freed;
// they are observable but never retried.
type RuleRecord struct {
	ID    filter.RuleID
	Name  string
	State RuleState
	Err   error
}

// RuleInfo is a diagnostic copy of a rule record.
type RuleInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Resource owns one hook point's attached clients and installed rules. The
// client array has fixed capacity chosen at construction. A resource holds
// one provider reference for its whole lifetime and is freed only after its
// reference count reached zero AND every rule-deletion callback has fired;
// the two signals arrive independently and in any order.
type Resource struct {
	id         string
	hookPoint  string
	maxClients int

	mu          sync.Mutex
	state       State
	clients     []client.Client
	rules       []*RuleRecord
	outstanding int
	freed       func()

	refs  *refcount.Count
	latch *refcount.Latch
	prov  *provider.Registration
	mgr   *Manager
}

func newResource(mgr *Manager, hookPoint string, maxClients int, prov *provider.Registration) *Resource {
	r := &Resource{
		id:         uuid.NewString(),
		hookPoint:  hookPoint,
		maxClients: maxClients,
		clients:    make([]client.Client, 0, maxClients),
		prov:       prov,
		mgr:        mgr,
	}
	r.latch = refcount.NewLatch(r.finalize)
	r.refs = refcount.NewCount(func() { r.latch.Set(refcount.SignalRefsReleased) })
	return r
}

// ID returns the resource's identifier.
func (r *Resource) ID() string { return r.id }

// HookPoint returns the hook point this resource serves.
func (r *Resource) HookPoint() string { return r.hookPoint }

// State returns the current lifecycle phase.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ClientCount returns the number of attached clients.
func (r *Resource) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clients returns a snapshot of the attached clients. Callers invoke the
// snapshot without any resource lock held, because client callbacks may
// re-enter Attach or Detach.
func (r *Resource) Clients() []client.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]client.Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// Rules returns diagnostic copies of the rule records.
func (r *Resource) Rules() []RuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RuleInfo, 0, len(r.rules))
	for _, rec := range r.rules {
		info := RuleInfo{ID: string(rec.ID), Name: rec.Name, State: rec.State.String()}
		if rec.Err != nil {
			info.Error = rec.Err.Error()
		}
		out = append(out, info)
	}
	return out
}

// TryPin takes a reference for the duration of an operation (packet
// delivery, an in-flight command). It fails once the resource is gone.
func (r *Resource) TryPin() (release func(), ok bool) {
	if !r.refs.TryAcquire() {
		return nil, false
	}
	return r.refs.Release, true
}

// Attach adds a client. The array's capacity is fixed; attaching beyond it
// fails with NoMemory and leaves the count unchanged.
func (r *Resource) Attach(c client.Client) error {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return errors.Errorf(errors.KindInvalidArgument, "resource %s is not active", r.id)
	}
	for _, existing := range r.clients {
		if existing.ID() == c.ID() {
			r.mu.Unlock()
			return errors.Errorf(errors.KindInvalidArgument, "client %s already attached", c.ID())
		}
	}
	if len(r.clients) >= r.maxClients {
		r.mu.Unlock()
		return errors.Errorf(errors.KindNoMemory, "client array full (%d/%d)", r.maxClients, r.maxClients)
	}
	r.clients = append(r.clients, c)
	r.refs.Acquire()
	n := len(r.clients)
	r.mu.Unlock()

	r.mgr.met.ClientsAttached.Inc()
	r.mgr.bus.Publish(events.Event{
		Type:     events.TypeClientAttached,
		Resource: r.id,
		Detail:   map[string]any{"client": c.ID(), "clients": n},
	})
	r.mgr.log.Info("Client attached", "resource", r.id, "hookpoint", r.hookPoint, "client", c.ID(), "clients", n)
	return nil
}

// Detach removes a client by identity. Detaching an absent client is a
// no-op error; the array is unaffected. The reference release happens
// outside the resource lock because it may finalize the resource.
func (r *Resource) Detach(clientID string) error {
	r.mu.Lock()
	idx := -1
	for i, c := range r.clients {
		if c.ID() == clientID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errors.Errorf(errors.KindInvalidArgument, "client %s not attached", clientID)
	}
	r.clients = append(r.clients[:idx], r.clients[idx+1:]...)
	n := len(r.clients)
	r.mu.Unlock()

	r.mgr.met.ClientsAttached.Dec()
	r.mgr.bus.Publish(events.Event{
		Type:     events.TypeClientDetached,
		Resource: r.id,
		Detail:   map[string]any{"client": clientID, "clients": n},
	})
	r.mgr.log.Info("Client detached", "resource", r.id, "client", clientID, "clients", n)

	r.refs.Release()
	return nil
}

type installedRule struct {
	name string
	id   filter.RuleID
}

// batch tracks one AddRules call across its per-rule completions.
type batch struct {
	mu        sync.Mutex
	remaining int
	firstErr  error
	installed []installedRule
}

// AddRules installs a batch of rules. The batch is atomic: if any install
// fails, every rule already installed by this batch is removed before the
// failure is surfaced through done. done fires exactly once.
func (r *Resource) AddRules(params []filter.RuleParams, done func(error)) {
	if len(params) == 0 {
		done(errors.New(errors.KindInvalidArgument, "empty rule batch"))
		return
	}

	// Validation precedes any mutation.
	for _, p := range params {
		if err := p.Validate(); err != nil {
			done(err)
			return
		}
	}

	if !r.refs.TryAcquire() {
		done(errors.Errorf(errors.KindInvalidArgument, "resource %s is gone", r.id))
		return
	}
	complete := func(err error) {
		done(err)
		r.refs.Release()
	}

	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		complete(errors.Errorf(errors.KindInvalidArgument, "resource %s is deleting", r.id))
		return
	}
	r.mu.Unlock()

	b := &batch{remaining: len(params)}
	for _, p := range params {
		p := p
		r.mgr.backend.InstallRule(p, func(id filter.RuleID, err error) {
			r.installDone(b, p, id, err, complete)
		})
	}
}

func (r *Resource) installDone(b *batch, p filter.RuleParams, id filter.RuleID, err error, complete func(error)) {
	b.mu.Lock()
	if err != nil {
		if b.firstErr == nil {
			b.firstErr = err
		}
	} else {
		b.installed = append(b.installed, installedRule{name: p.Name, id: id})
	}
	b.remaining--
	last := b.remaining == 0
	firstErr := b.firstErr
	installed := b.installed
	b.mu.Unlock()

	if !last {
		return
	}
	if firstErr != nil {
		r.rollbackRules(installed, firstErr, complete)
		return
	}
	r.commitRules(installed, complete)
}

// commitRules records a fully-installed batch. If deletion began while the
// installs were in flight the new rules would escape the teardown snapshot,
// so they are rolled back instead of committed.
func (r *Resource) commitRules(installed []installedRule, complete func(error)) {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		cause := errors.Errorf(errors.KindInvalidArgument, "resource %s began deleting during rule install", r.id)
		r.rollbackRules(installed, cause, complete)
		return
	}
	for _, ins := range installed {
		r.rules = append(r.rules, &RuleRecord{ID: ins.id, Name: ins.name, State: RuleAdded})
	}
	total := len(r.rules)
	r.mu.Unlock()

	r.mgr.met.RulesInstalled.Add(float64(len(installed)))
	for _, ins := range installed {
		r.mgr.bus.Publish(events.Event{
			Type:     events.TypeRuleInstalled,
			Resource: r.id,
			Rule:     ins.name,
		})
	}
	r.mgr.log.Info("Rules installed", "resource", r.id, "batch", len(installed), "rules", total)
	complete(nil)
}

// rollbackRules removes every rule a failed batch managed to install, then
// surfaces the original failure. A removal that itself fails leaves the
// rule stranded in the backend; that is logged and counted, not retried.
func (r *Resource) rollbackRules(installed []installedRule, cause error, complete func(error)) {
	if len(installed) == 0 {
		complete(cause)
		return
	}

	r.mgr.log.Warn("Rolling back partial rule batch",
		"resource", r.id, "installed", len(installed), "cause", cause.Error())

	var mu sync.Mutex
	remaining := len(installed)
	for _, ins := range installed {
		ins := ins
		r.mgr.backend.RemoveRule(ins.id, func(rerr error) {
			if rerr != nil {
				r.mgr.met.RuleDeleteFailures.Inc()
				r.mgr.log.WithError(rerr).Error("Rollback removal failed, rule stranded",
					"resource", r.id, "rule", ins.name)
			}
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				complete(cause)
			}
		})
	}
}

// BeginDelete starts asynchronous teardown: the resource stops accepting
// work, enters the cleanup list before any rule deletion is requested, and
// submits a deletion for every rule. freed runs once, when the resource is
// finally reclaimed.
func (r *Resource) BeginDelete(freed func()) error {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return errors.Errorf(errors.KindInvalidArgument, "resource %s already deleting", r.id)
	}
	r.state = StateDeleting
	r.freed = freed
	var targets []*RuleRecord
	for _, rec := range r.rules {
		if rec.State == RuleAdded {
			rec.State = RuleDeleting
			targets = append(targets, rec)
		}
	}
	r.outstanding = len(targets)
	r.mu.Unlock()

	r.mgr.detachHook(r)
	r.mgr.bus.Publish(events.Event{
		Type:     events.TypeResourceDeleting,
		Resource: r.id,
		Detail:   map[string]any{"rules": len(targets)},
	})
	r.mgr.log.Info("Resource deleting", "resource", r.id, "hookpoint", r.hookPoint, "rules", len(targets))

	// Cleanup-list insertion happens before the last (indeed any) deletion
	// request, so a deletion callback can never miss the membership.
	r.mgr.coord.Register(cleanup.SetResources, r)
	if len(targets) == 0 {
		r.mgr.coord.Unregister(cleanup.SetResources, r)
		r.latch.Set(refcount.SignalChildrenResolved)
	} else {
		for _, rec := range targets {
			rec := rec
			r.mgr.backend.RemoveRule(rec.ID, func(err error) { r.ruleDeleteDone(rec, err) })
		}
	}

	// The creator's reference. Dropping it lets the refs signal arrive once
	// the remaining holders (clients, in-flight work) let go.
	r.refs.Release()
	return nil
}

// ruleDeleteDone is the deletion callback for one rule. Deletions complete
// concurrently and in any order; the callback that resolves the last
// outstanding rule takes the resource off the cleanup list. The resource
// lock is released before the cleanup list is touched.
func (r *Resource) ruleDeleteDone(rec *RuleRecord, err error) {
	r.mu.Lock()
	if err != nil {
		rec.State = RuleDeleteFailed
		rec.Err = err
	} else {
		rec.State = RuleDeleted
	}
	r.outstanding--
	last := r.outstanding == 0
	r.mu.Unlock()

	if err != nil {
		r.mgr.met.RuleDeleteFailures.Inc()
		r.mgr.bus.Publish(events.Event{Type: events.TypeRuleDeleteFailed, Resource: r.id, Rule: rec.Name})
		r.mgr.log.WithError(err).Error("Rule deletion failed", "resource", r.id, "rule", rec.Name)
	} else {
		r.mgr.met.RulesRemoved.Inc()
		r.mgr.bus.Publish(events.Event{Type: events.TypeRuleDeleted, Resource: r.id, Rule: rec.Name})
	}

	if last {
		r.mgr.coord.Unregister(cleanup.SetResources, r)
		r.latch.Set(refcount.SignalChildrenResolved)
	}
}

// finalize runs exactly once, when both release signals have arrived. It
// returns the provider reference, removes the resource from the manager,
// and completes a pending DeleteResource caller.
func (r *Resource) finalize() {
	r.mu.Lock()
	r.state = StateDeleted
	freed := r.freed
	r.freed = nil
	stragglers := len(r.clients)
	r.mu.Unlock()

	if stragglers != 0 {
		r.mgr.log.Error("Resource freed with clients still recorded",
			"resource", r.id, "clients", stragglers)
	}

	r.prov.Unref()
	r.mgr.removeResource(r)
	r.mgr.met.ResourcesActive.Dec()
	r.mgr.bus.Publish(events.Event{Type: events.TypeResourceFreed, Resource: r.id})
	r.mgr.log.Info("Resource freed", "resource", r.id, "hookpoint", r.hookPoint)

	if freed != nil {
		freed()
	}
}
