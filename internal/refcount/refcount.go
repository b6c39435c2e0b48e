// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package refcount provides the ownership primitives for hook-attachment
// resources: an atomic never-negative reference count, and a two-signal
// latch that runs a finalizer once both release signals have arrived.
package refcount

import "sync"

// Count is an atomic reference count starting at one. Release invokes the
// release function on the transition to zero. Acquiring after the count hit
// zero, or releasing below zero, is a lifetime bug and panics.
type Count struct {
	mu      sync.Mutex
	n       int64
	release func()
}

// NewCount returns a count holding the creator's initial reference.
func NewCount(release func()) *Count {
	return &Count{n: 1, release: release}
}

// Acquire takes an additional reference.
func (c *Count) Acquire() {
	c.mu.Lock()
	if c.n <= 0 {
		c.mu.Unlock()
		panic("refcount: acquire after count reached zero")
	}
	c.n++
	c.mu.Unlock()
}

// TryAcquire takes a reference unless the count already reached zero. Used
// where the caller may race finalization and needs a graceful refusal.
func (c *Count) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n <= 0 {
		return false
	}
	c.n++
	return true
}

// Release drops one reference. The caller that drops the last reference runs
// the release function, outside the count's lock.
func (c *Count) Release() {
	c.mu.Lock()
	c.n--
	n := c.n
	c.mu.Unlock()

	switch {
	case n == 0:
		if c.release != nil {
			c.release()
		}
	case n < 0:
		panic("refcount: release below zero")
	}
}

// Value returns the current count. Diagnostic use only; the value may be
// stale by the time the caller looks at it.
func (c *Count) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Signal names one arm of a Latch.
type Signal int

const (
	// SignalRefsReleased arrives when the logical reference count hit zero.
	SignalRefsReleased Signal = iota
	// SignalChildrenResolved arrives when every child operation (rule
	// deletion callbacks) has resolved.
	SignalChildrenResolved

	numSignals
)

// Latch runs a finalizer exactly once, after both of its signals have
// arrived in either order. Repeating a signal is a no-op; the two arms are
// independent booleans, not a counter, so the finalize race stays testable.
type Latch struct {
	mu      sync.Mutex
	arrived [numSignals]bool
	fired   bool
	fire    func()
}

// NewLatch returns a latch that runs fire after both signals arrive.
func NewLatch(fire func()) *Latch {
	return &Latch{fire: fire}
}

// Set marks one signal as arrived. The caller whose Set completes the pair
// runs the finalizer, outside the latch's lock.
func (l *Latch) Set(s Signal) {
	l.mu.Lock()
	l.arrived[s] = true
	run := !l.fired && l.arrived[SignalRefsReleased] && l.arrived[SignalChildrenResolved]
	if run {
		l.fired = true
	}
	l.mu.Unlock()

	if run && l.fire != nil {
		l.fire()
	}
}

// Fired reports whether the finalizer has run or been claimed.
func (l *Latch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}
