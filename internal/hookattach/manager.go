// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hookattach tracks hook-point resources, their attached clients,
// and their installed rules, and drives the two-signal teardown that frees
// a resource only after its references are gone and its rules resolved.
package hookattach

import (
	"sync"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

// DefaultMaxClients bounds a resource's client array when the attach
// request does not choose a size.
const DefaultMaxClients = 16

// Info is a diagnostic snapshot of one resource.
type Info struct {
	ID         string     `json:"id"`
	HookPoint  string     `json:"hook_point"`
	State      string     `json:"state"`
	MaxClients int        `json:"max_clients"`
	Clients    []string   `json:"clients"`
	Provider   string     `json:"provider"`
	Refs       int64      `json:"refs"`
	Rules      []RuleInfo `json:"rules"`
}

// Manager owns every live resource. A hook point has at most one active
// resource; the first attach creates it and teardown detaches it from the
// hook immediately, so a later attach builds a fresh resource while the
// old one drains.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*Resource
	byHook map[string]*Resource
	closed bool

	backend filter.Backend
	coord   *cleanup.Coordinator
	bus     *events.Bus
	met     *metrics.Metrics
	log     *logging.Logger
}

// NewManager wires a manager to its filter backend, cleanup coordinator,
// event bus, and metrics.
func NewManager(backend filter.Backend, coord *cleanup.Coordinator, bus *events.Bus, met *metrics.Metrics) *Manager {
	return &Manager{
		byID:    make(map[string]*Resource),
		byHook:  make(map[string]*Resource),
		backend: backend,
		coord:   coord,
		bus:     bus,
		met:     met,
		log:     logging.WithComponent("hookattach"),
	}
}

// AttachClient attaches c at hookPoint, creating the hook's resource on
// first use. The resource takes one provider reference at creation and
// keeps it until it is freed. maxClients fixes the new resource's client
// capacity; it is ignored when the resource already exists.
func (m *Manager) AttachClient(hookPoint string, maxClients int, prov *provider.Registration, c client.Client) (*Resource, error) {
	if hookPoint == "" {
		return nil, errors.New(errors.KindInvalidArgument, "hook point required")
	}
	if c == nil || c.ID() == "" {
		return nil, errors.New(errors.KindInvalidArgument, "client required")
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New(errors.KindInvalidArgument, "attach refused: shutting down")
	}
	res, ok := m.byHook[hookPoint]
	if !ok {
		if err := prov.Ref(); err != nil {
			m.mu.Unlock()
			return nil, errors.Wrapf(err, errors.KindInvalidArgument, "provider unavailable for %s", hookPoint)
		}
		res = newResource(m, hookPoint, maxClients, prov)
		m.byHook[hookPoint] = res
		m.byID[res.id] = res
		m.mu.Unlock()

		m.met.ResourcesActive.Inc()
		m.bus.Publish(events.Event{
			Type:     events.TypeResourceCreated,
			Resource: res.id,
			Provider: prov.Name(),
			Detail:   map[string]any{"hook_point": hookPoint, "max_clients": maxClients},
		})
		m.log.Info("Resource created",
			"resource", res.id, "hookpoint", hookPoint, "provider", prov.Name(), "max_clients", maxClients)
	} else {
		m.mu.Unlock()
	}

	if err := res.Attach(c); err != nil {
		return nil, err
	}
	return res, nil
}

// DetachClient removes a client from a resource by id.
func (m *Manager) DetachClient(resourceID, clientID string) error {
	res, err := m.Resource(resourceID)
	if err != nil {
		return err
	}
	return res.Detach(clientID)
}

// AddRules installs a rule batch on a resource. Completion is asynchronous
// and exactly-once.
func (m *Manager) AddRules(resourceID string, params []filter.RuleParams, done func(error)) {
	res, err := m.Resource(resourceID)
	if err != nil {
		done(err)
		return
	}
	res.AddRules(params, done)
}

// DeleteResource begins asynchronous teardown of a resource. freed runs
// once the resource is reclaimed, which may be long after this returns if
// clients are still attached.
func (m *Manager) DeleteResource(resourceID string, freed func()) error {
	res, err := m.Resource(resourceID)
	if err != nil {
		return err
	}
	return res.BeginDelete(freed)
}

// Resource looks up a live resource by id.
func (m *Manager) Resource(id string) (*Resource, error) {
	m.mu.RLock()
	res, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(errors.KindInvalidArgument, "no resource %s", id)
	}
	return res, nil
}

// ForHook returns the active resource serving a hook point, if any. The
// datapath uses this together with Resource.Clients to snapshot callbacks
// before invoking them.
func (m *Manager) ForHook(hookPoint string) (*Resource, bool) {
	m.mu.RLock()
	res, ok := m.byHook[hookPoint]
	m.mu.RUnlock()
	return res, ok
}

// List snapshots every live resource for diagnostics, draining resources
// included.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*Resource, 0, len(m.byID))
	for _, res := range m.byID {
		all = append(all, res)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, res := range all {
		res.mu.Lock()
		info := Info{
			ID:         res.id,
			HookPoint:  res.hookPoint,
			State:      res.state.String(),
			MaxClients: res.maxClients,
			Provider:   res.prov.Name(),
			Clients:    make([]string, 0, len(res.clients)),
		}
		for _, c := range res.clients {
			info.Clients = append(info.Clients, c.ID())
		}
		res.mu.Unlock()
		info.Refs = res.refs.Value()
		info.Rules = res.Rules()
		out = append(out, info)
	}
	return out
}

// Shutdown refuses new attachments and begins teardown of every active
// resource. It returns the number of teardowns started; the caller drains
// the cleanup coordinator to wait for them.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	m.closed = true
	actives := make([]*Resource, 0, len(m.byID))
	for _, res := range m.byID {
		actives = append(actives, res)
	}
	m.mu.Unlock()

	started := 0
	for _, res := range actives {
		if err := res.BeginDelete(nil); err == nil {
			started++
		}
	}
	if started > 0 {
		m.log.Info("Shutdown began resource teardown", "resources", started)
	}
	return started
}

// detachHook drops a deleting resource's hook-point binding so the next
// attach builds a fresh resource.
func (m *Manager) detachHook(r *Resource) {
	m.mu.Lock()
	if m.byHook[r.hookPoint] == r {
		delete(m.byHook, r.hookPoint)
	}
	m.mu.Unlock()
}

// removeResource forgets a freed resource.
func (m *Manager) removeResource(r *Resource) {
	m.mu.Lock()
	delete(m.byID, r.id)
	if m.byHook[r.hookPoint] == r {
		delete(m.byHook, r.hookPoint)
	}
	m.mu.Unlock()
}
