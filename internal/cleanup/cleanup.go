// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cleanup tracks hook resources and providers whose asynchronous
// teardown is still in flight, and lets shutdown block until all of them
// have resolved.
package cleanup

import (
	"sync"
	"time"

	"grimm.is/flyhook/internal/logging"
)

// Set selects one of the coordinator's tracked collections.
type Set int

const (
	SetResources Set = iota
	SetProviders

	numSets
)

func (s Set) String() string {
	switch s {
	case SetResources:
		return "resources"
	case SetProviders:
		return "providers"
	default:
		return "unknown"
	}
}

// Result is the outcome of a Drain call.
type Result int

const (
	Drained Result = iota
	TimedOut
)

func (r Result) String() string {
	if r == Drained {
		return "drained"
	}
	return "timed_out"
}

// Coordinator tracks items awaiting async-deletion confirmation. Items are
// compared by identity, so callers register the same pointer they later
// unregister. The coordinator's lock is independent of any resource lock and
// is never held while caller code runs.
type Coordinator struct {
	mu      sync.Mutex
	tracked [numSets]map[any]struct{}
	armed   bool
	emptyCh chan struct{}

	log *logging.Logger
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	c := &Coordinator{
		log: logging.WithComponent("cleanup"),
	}
	for i := range c.tracked {
		c.tracked[i] = make(map[any]struct{})
	}
	return c
}

// Register adds an item to a tracked set. Registering an item twice is a
// single membership; teardown still requires one Unregister.
func (c *Coordinator) Register(set Set, item any) {
	c.mu.Lock()
	c.tracked[set][item] = struct{}{}
	c.mu.Unlock()

	c.log.Debug("Tracking item for cleanup", "set", set.String())
}

// Unregister removes an item. The unregister that empties both sets fires
// the drain signal; the channel close happens under the coordinator's own
// lock so concurrent removers cannot race the last-remover decision.
// Unregistering an absent item is a no-op.
func (c *Coordinator) Unregister(set Set, item any) {
	c.mu.Lock()
	delete(c.tracked[set], item)
	if c.armed && c.empty() {
		c.armed = false
		close(c.emptyCh)
		c.emptyCh = nil
	}
	c.mu.Unlock()
}

// empty reports whether every tracked set is empty. Caller holds c.mu.
func (c *Coordinator) empty() bool {
	for i := range c.tracked {
		if len(c.tracked[i]) != 0 {
			return false
		}
	}
	return true
}

// Pending returns the current number of tracked resources and providers.
func (c *Coordinator) Pending() (resources, providers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked[SetResources]), len(c.tracked[SetProviders])
}

// Drain blocks until both tracked sets are empty or the timeout elapses.
// Intended for shutdown, after new attachments are being refused.
func (c *Coordinator) Drain(timeout time.Duration) Result {
	c.mu.Lock()
	if c.empty() {
		c.mu.Unlock()
		c.log.Info("Cleanup already drained")
		return Drained
	}
	c.armed = true
	if c.emptyCh == nil {
		c.emptyCh = make(chan struct{})
	}
	ch := c.emptyCh
	resources := len(c.tracked[SetResources])
	providers := len(c.tracked[SetProviders])
	c.mu.Unlock()

	c.log.Info("Draining cleanup lists",
		"resources", resources,
		"providers", providers,
		"timeout", timeout.String(),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		c.log.Info("Cleanup drained")
		return Drained
	case <-timer.C:
		r, p := c.Pending()
		c.log.Warn("Cleanup drain timed out", "resources", r, "providers", p)
		return TimedOut
	}
}
