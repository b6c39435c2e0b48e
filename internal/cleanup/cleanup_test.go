// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cleanup

import (
	"sync"
	"testing"
	"time"
)

type tracked struct{ name string }

func TestDrainEmptyReturnsImmediately(t *testing.T) {
	c := NewCoordinator()

	start := time.Now()
	if got := c.Drain(5 * time.Second); got != Drained {
		t.Fatalf("Drain = %v, want Drained", got)
	}
	if time.Since(start) > time.Second {
		t.Fatal("empty drain should not block")
	}
}

func TestDrainWaitsForBothSets(t *testing.T) {
	c := NewCoordinator()
	res := &tracked{"resource"}
	prov := &tracked{"provider"}
	c.Register(SetResources, res)
	c.Register(SetProviders, prov)

	done := make(chan Result, 1)
	go func() { done <- c.Drain(5 * time.Second) }()

	// Removing only one set must not release the drain.
	c.Unregister(SetResources, res)
	select {
	case r := <-done:
		t.Fatalf("drain returned %v with providers still tracked", r)
	case <-time.After(50 * time.Millisecond):
	}

	c.Unregister(SetProviders, prov)
	select {
	case r := <-done:
		if r != Drained {
			t.Fatalf("Drain = %v, want Drained", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not complete after both sets emptied")
	}
}

func TestDrainTimeout(t *testing.T) {
	c := NewCoordinator()
	c.Register(SetResources, &tracked{"stuck"})

	if got := c.Drain(50 * time.Millisecond); got != TimedOut {
		t.Fatalf("Drain = %v, want TimedOut", got)
	}

	// The stuck item is still tracked and a later drain can succeed.
	r, p := c.Pending()
	if r != 1 || p != 0 {
		t.Fatalf("Pending = (%d, %d), want (1, 0)", r, p)
	}
}

func TestConcurrentUnregisters(t *testing.T) {
	// Many unregisters race the last-remover decision; exactly one of them
	// fires the signal and the drain returns once.
	for iter := 0; iter < 100; iter++ {
		c := NewCoordinator()
		items := make([]*tracked, 16)
		for i := range items {
			items[i] = &tracked{}
			c.Register(SetResources, items[i])
		}

		done := make(chan Result, 1)
		go func() { done <- c.Drain(5 * time.Second) }()

		// Give Drain a moment to arm. Unregisters before arming are also
		// legal; the mix is the point of the stress.
		var wg sync.WaitGroup
		for _, it := range items {
			wg.Add(1)
			go func(it *tracked) {
				defer wg.Done()
				c.Unregister(SetResources, it)
			}(it)
		}
		wg.Wait()

		select {
		case r := <-done:
			if r != Drained {
				t.Fatalf("iteration %d: Drain = %v, want Drained", iter, r)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: drain never completed", iter)
		}
	}
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	c := NewCoordinator()
	c.Register(SetProviders, &tracked{"present"})

	c.Unregister(SetProviders, &tracked{"absent"})
	_, p := c.Pending()
	if p != 1 {
		t.Fatalf("providers pending = %d, want 1", p)
	}
}

func TestDrainAgainAfterFire(t *testing.T) {
	c := NewCoordinator()
	item := &tracked{}
	c.Register(SetResources, item)

	done := make(chan Result, 1)
	go func() { done <- c.Drain(5 * time.Second) }()
	c.Unregister(SetResources, item)
	if r := <-done; r != Drained {
		t.Fatalf("first Drain = %v", r)
	}

	// A fresh registration re-arms a fresh signal.
	c.Register(SetResources, item)
	done2 := make(chan Result, 1)
	go func() { done2 <- c.Drain(5 * time.Second) }()
	c.Unregister(SetResources, item)
	if r := <-done2; r != Drained {
		t.Fatalf("second Drain = %v", r)
	}
}
