// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package provider tracks the registration contexts that hook-attachment
// resources depend on for their lifetime. A resource holds one provider
// reference from creation to finalization, so a provider cannot finish
// deregistering while any of its resources is still outstanding.
package provider

import (
	"sync"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/refcount"
)

// Registration is one registered provider. The registry holds the initial
// reference; resources take one each via Ref.
type Registration struct {
	name string

	mu            sync.Mutex
	deregistering bool
	deregDone     func(error)

	refs     *refcount.Count
	registry *Registry
}

// Name returns the provider's registered name.
func (g *Registration) Name() string { return g.name }

// Ref takes a reference on behalf of a new resource. It fails once
// deregistration has begun.
func (g *Registration) Ref() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deregistering {
		return errors.Errorf(errors.KindInvalidArgument, "provider %s is deregistering", g.name)
	}
	g.refs.Acquire()
	return nil
}

// Unref releases a resource's reference. The release that drops the last
// reference completes a pending deregistration.
func (g *Registration) Unref() {
	g.refs.Release()
}

// Refs returns the current reference count, for diagnostics.
func (g *Registration) Refs() int64 { return g.refs.Value() }

// rundownComplete runs when the reference count reaches zero: the provider
// leaves the registry and the cleanup list, then the deregistration caller
// is completed.
func (g *Registration) rundownComplete() {
	g.registry.remove(g.name)
	g.registry.coord.Unregister(cleanup.SetProviders, g)

	g.mu.Lock()
	done := g.deregDone
	g.deregDone = nil
	g.mu.Unlock()

	g.registry.log.Info("Provider deregistered", "provider", g.name)
	if done != nil {
		done(nil)
	}
}

// Registry owns the set of registered providers.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*Registration
	closed    bool

	coord *cleanup.Coordinator
	log   *logging.Logger
}

// NewRegistry returns an empty registry coordinating teardown with coord.
func NewRegistry(coord *cleanup.Coordinator) *Registry {
	return &Registry{
		providers: make(map[string]*Registration),
		coord:     coord,
		log:       logging.WithComponent("provider"),
	}
}

// Register adds a provider under a unique name.
func (r *Registry) Register(name string) (*Registration, error) {
	if name == "" {
		return nil, errors.New(errors.KindInvalidArgument, "provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New(errors.KindInvalidArgument, "registry is shut down")
	}
	if _, exists := r.providers[name]; exists {
		return nil, errors.Errorf(errors.KindInvalidArgument, "provider %s already registered", name)
	}

	g := &Registration{name: name, registry: r}
	g.refs = refcount.NewCount(g.rundownComplete)
	r.providers[name] = g

	r.log.Info("Provider registered", "provider", name)
	return g, nil
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.providers[name]
	return g, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// Deregister begins provider rundown. New Ref calls fail immediately; done
// fires exactly once, after the last resource reference is released. A
// provider with no outstanding references completes inline.
func (r *Registry) Deregister(name string, done func(error)) {
	r.mu.Lock()
	g, ok := r.providers[name]
	r.mu.Unlock()
	if !ok {
		done(errors.Errorf(errors.KindInvalidArgument, "provider %s not registered", name))
		return
	}

	g.mu.Lock()
	if g.deregistering {
		g.mu.Unlock()
		done(errors.Errorf(errors.KindInvalidArgument, "provider %s already deregistering", name))
		return
	}
	g.deregistering = true
	g.deregDone = done
	g.mu.Unlock()

	r.log.Info("Provider deregistering", "provider", name, "refs", g.Refs())
	r.coord.Register(cleanup.SetProviders, g)

	// Drop the registry's initial reference; rundownComplete fires when the
	// resources' references are gone too.
	g.refs.Release()
}

// Close refuses further registrations. Outstanding deregistrations keep
// running; the caller drains them through the cleanup coordinator.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
}
