// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/errors"
)

func newTestRegistry() (*Registry, *cleanup.Coordinator) {
	coord := cleanup.NewCoordinator()
	return NewRegistry(coord), coord
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	g, err := r.Register("wfp")
	require.NoError(t, err)
	assert.Equal(t, "wfp", g.Name())

	got, ok := r.Get("wfp")
	require.True(t, ok)
	assert.Same(t, g, got)

	_, err = r.Register("wfp")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestDeregisterWithoutRefsCompletesInline(t *testing.T) {
	r, coord := newTestRegistry()
	_, err := r.Register("idle")
	require.NoError(t, err)

	done := make(chan error, 1)
	r.Deregister("idle", func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deregistration did not complete")
	}

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, p := coord.Pending()
	assert.Zero(t, p, "provider should have left the cleanup list")
}

func TestDeregisterWaitsForResourceRefs(t *testing.T) {
	r, coord := newTestRegistry()
	g, err := r.Register("busy")
	require.NoError(t, err)

	require.NoError(t, g.Ref())
	require.NoError(t, g.Ref())

	done := make(chan error, 1)
	r.Deregister("busy", func(err error) { done <- err })

	// Rundown holds while resource references remain.
	select {
	case <-done:
		t.Fatal("deregistration completed with outstanding references")
	case <-time.After(50 * time.Millisecond):
	}
	_, p := coord.Pending()
	assert.Equal(t, 1, p)

	// New references are refused during rundown.
	err = g.Ref()
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))

	g.Unref()
	g.Unref()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deregistration did not complete after last unref")
	}
	_, p = coord.Pending()
	assert.Zero(t, p)
}

func TestDeregisterUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry()

	done := make(chan error, 1)
	r.Deregister("ghost", func(err error) { done <- err })
	err := <-done
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestConcurrentUnrefsCompleteOnce(t *testing.T) {
	r, _ := newTestRegistry()
	g, err := r.Register("raced")
	require.NoError(t, err)

	const holders = 32
	for i := 0; i < holders; i++ {
		require.NoError(t, g.Ref())
	}

	done := make(chan error, holders)
	r.Deregister("raced", func(err error) { done <- err })

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Unref()
		}()
	}
	wg.Wait()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deregistration never completed")
	}

	select {
	case <-done:
		t.Fatal("deregistration completed more than once")
	case <-time.After(100 * time.Millisecond):
	}
}
