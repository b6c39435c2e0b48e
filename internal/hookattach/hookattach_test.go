// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hookattach

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/client"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

type harness struct {
	mgr   *Manager
	sim   *filter.Sim
	coord *cleanup.Coordinator
	reg   *provider.Registry
	prov  *provider.Registration
	met   *metrics.Metrics
}

func newHarness(t *testing.T, sim *filter.Sim) *harness {
	t.Helper()
	coord := cleanup.NewCoordinator()
	met := metrics.New()
	mgr := NewManager(sim, coord, events.NewBus(), met)
	reg := provider.NewRegistry(coord)
	prov, err := reg.Register("wfp")
	require.NoError(t, err)
	return &harness{mgr: mgr, sim: sim, coord: coord, reg: reg, prov: prov, met: met}
}

func testClient(id string) client.Client {
	return &client.Func{Name: id}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resource free")
	}
}

func requireNotFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("freed before both release signals arrived")
	case <-time.After(100 * time.Millisecond):
	}
}

func ruleParams(name string) []filter.RuleParams {
	return []filter.RuleParams{{
		Name:      name,
		HookPoint: "inbound",
		Direction: "ingress",
		Action:    filter.ActionDrop,
	}}
}

func TestAttachDetachRestoresCount(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov, testClient("b"))
	require.NoError(t, err)
	require.Equal(t, 2, res.ClientCount())

	require.NoError(t, res.Detach("b"))
	assert.Equal(t, 1, res.ClientCount())
	require.NoError(t, res.Detach("a"))
	assert.Equal(t, 0, res.ClientCount())

	// Detaching everyone does not free the resource; only deletion does.
	assert.Equal(t, StateActive, res.State())
}

func TestDetachAbsentClient(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	err = res.Detach("ghost")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
	assert.Equal(t, 1, res.ClientCount())
}

func TestAttachCapacityBound(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	var res *Resource
	for i := 0; i < 16; i++ {
		r, err := h.mgr.AttachClient("inbound", 16, h.prov, testClient(fmt.Sprintf("c%02d", i)))
		require.NoError(t, err, "attach %d", i)
		res = r
	}
	require.Equal(t, 16, res.ClientCount())

	_, err := h.mgr.AttachClient("inbound", 16, h.prov, testClient("c16"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNoMemory, errors.GetKind(err))
	assert.Equal(t, 16, res.ClientCount())

	// A full array still detaches and re-attaches normally.
	require.NoError(t, res.Detach("c00"))
	_, err = h.mgr.AttachClient("inbound", 16, h.prov, testClient("c16"))
	require.NoError(t, err)
	assert.Equal(t, 16, res.ClientCount())
}

func TestAttachDuplicateClient(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
	assert.Equal(t, 1, res.ClientCount())
}

func TestLifecycleFreesOnce(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 8, h.prov, testClient("a"))
	require.NoError(t, err)
	_, err = h.mgr.AttachClient("inbound", 8, h.prov, testClient("b"))
	require.NoError(t, err)

	installed := make(chan error, 1)
	res.AddRules([]filter.RuleParams{
		{Name: "r1", HookPoint: "inbound", Action: filter.ActionDrop},
		{Name: "r2", HookPoint: "inbound", Action: filter.ActionAccept},
	}, func(err error) { installed <- err })
	require.NoError(t, waitErr(t, installed))
	require.Len(t, h.sim.Rules(), 2)

	require.NoError(t, res.Detach("a"))
	require.NoError(t, res.Detach("b"))

	freed := make(chan struct{})
	fires := 0
	var mu sync.Mutex
	require.NoError(t, res.BeginDelete(func() {
		mu.Lock()
		fires++
		mu.Unlock()
		close(freed)
	}))
	waitFired(t, freed)

	mu.Lock()
	assert.Equal(t, 1, fires)
	mu.Unlock()
	assert.Empty(t, h.sim.Rules())

	_, err = h.mgr.Resource(res.ID())
	assert.Error(t, err)
	resources, providers := h.coord.Pending()
	assert.Zero(t, resources)
	assert.Zero(t, providers)
}

func TestDeletionCompletionOrder(t *testing.T) {
	sim := filter.NewManualSim()
	h := newHarness(t, sim)

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	installed := make(chan error, 1)
	res.AddRules([]filter.RuleParams{
		{Name: "r1", HookPoint: "inbound", Action: filter.ActionDrop},
		{Name: "r2", HookPoint: "inbound", Action: filter.ActionDrop},
		{Name: "r3", HookPoint: "inbound", Action: filter.ActionDrop},
	}, func(err error) { installed <- err })
	for _, op := range sim.Ops() {
		op.Complete()
	}
	require.NoError(t, waitErr(t, installed))

	require.NoError(t, res.Detach("a"))

	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))

	removals := sim.Ops()
	require.Len(t, removals, 3)
	byName := map[string]*filter.Op{}
	for _, op := range removals {
		require.Equal(t, filter.OpRemove, op.Kind)
		byName[op.Name] = op
	}

	// Deletions resolve out of submission order; the free happens after the
	// last one, whichever that is.
	byName["r2"].Complete()
	requireNotFired(t, freed)
	byName["r3"].Complete()
	requireNotFired(t, freed)
	byName["r1"].Complete()
	waitFired(t, freed)

	assert.Empty(t, sim.Rules())
}

func TestFreeWaitsForLastDetach(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	installed := make(chan error, 1)
	res.AddRules(ruleParams("r1"), func(err error) { installed <- err })
	require.NoError(t, waitErr(t, installed))

	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))

	// Rules resolve, but the attached client still holds a reference.
	requireNotFired(t, freed)
	assert.Equal(t, StateDeleting, res.State())

	require.NoError(t, res.Detach("a"))
	waitFired(t, freed)
}

func TestFreeWaitsForRuleResolution(t *testing.T) {
	sim := filter.NewManualSim()
	h := newHarness(t, sim)

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	installed := make(chan error, 1)
	res.AddRules(ruleParams("r1"), func(err error) { installed <- err })
	for _, op := range sim.Ops() {
		op.Complete()
	}
	require.NoError(t, waitErr(t, installed))
	require.NoError(t, res.Detach("a"))

	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))

	// References are gone; the pending rule deletion keeps it alive.
	requireNotFired(t, freed)
	resources, _ := h.coord.Pending()
	assert.Equal(t, 1, resources)

	sim.Ops()[0].Complete()
	waitFired(t, freed)
	resources, _ = h.coord.Pending()
	assert.Zero(t, resources)
}

func TestAddRulesRollsBackPartialBatch(t *testing.T) {
	h := newHarness(t, filter.NewSim())
	h.sim.FailInstall("bad", errors.New(errors.KindInternal, "injected"))

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	res.AddRules([]filter.RuleParams{
		{Name: "ok1", HookPoint: "inbound", Action: filter.ActionAccept},
		{Name: "bad", HookPoint: "inbound", Action: filter.ActionAccept},
		{Name: "ok2", HookPoint: "inbound", Action: filter.ActionAccept},
	}, func(err error) { done <- err })

	err = waitErr(t, done)
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))

	// The survivors were removed before the failure surfaced.
	assert.Empty(t, h.sim.Rules())
	assert.Empty(t, res.Rules())
}

func TestAddRulesEmptyBatch(t *testing.T) {
	h := newHarness(t, filter.NewSim())
	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	res.AddRules(nil, func(err error) { done <- err })
	err = waitErr(t, done)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestAddRulesWhileDeleting(t *testing.T) {
	sim := filter.NewManualSim()
	h := newHarness(t, sim)

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	require.NoError(t, res.BeginDelete(nil))

	done := make(chan error, 1)
	res.AddRules(ruleParams("late"), func(err error) { done <- err })
	err = waitErr(t, done)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestAttachWhileDeletingBuildsFreshResource(t *testing.T) {
	sim := filter.NewManualSim()
	h := newHarness(t, sim)

	old, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	require.NoError(t, old.BeginDelete(nil))

	// The draining resource refuses new clients.
	err = old.Attach(testClient("b"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))

	// The hook point itself stays usable: a new attach gets a new resource.
	fresh, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("b"))
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
}

func TestBeginDeleteTwice(t *testing.T) {
	sim := filter.NewManualSim()
	h := newHarness(t, sim)

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	require.NoError(t, res.BeginDelete(nil))

	err = res.BeginDelete(nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestDeleteUnknownResource(t *testing.T) {
	h := newHarness(t, filter.NewSim())
	err := h.mgr.DeleteResource("nope", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestRuleDeleteFailureStillFrees(t *testing.T) {
	h := newHarness(t, filter.NewSim())
	h.sim.FailRemove("sticky", errors.New(errors.KindInternal, "injected"))

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	installed := make(chan error, 1)
	res.AddRules([]filter.RuleParams{
		{Name: "sticky", HookPoint: "inbound", Action: filter.ActionDrop},
		{Name: "clean", HookPoint: "inbound", Action: filter.ActionDrop},
	}, func(err error) { installed <- err })
	require.NoError(t, waitErr(t, installed))
	require.NoError(t, res.Detach("a"))

	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))
	waitFired(t, freed)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.met.RuleDeleteFailures))
}

func TestProviderHeldUntilResourceFreed(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)

	dereg := make(chan error, 1)
	h.reg.Deregister("wfp", func(err error) { dereg <- err })

	select {
	case <-dereg:
		t.Fatal("provider deregistered while a resource still held it")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, res.Detach("a"))
	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))
	waitFired(t, freed)

	require.NoError(t, waitErr(t, dereg))
	_, ok := h.reg.Get("wfp")
	assert.False(t, ok)
}

func TestManagerShutdown(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
	require.NoError(t, err)
	require.NoError(t, res.Detach("a"))

	started := h.mgr.Shutdown()
	assert.Equal(t, 1, started)

	_, err = h.mgr.AttachClient("outbound", 4, h.prov, testClient("b"))
	require.Error(t, err)

	result := h.coord.Drain(2 * time.Second)
	assert.True(t, result.Drained)
}

func TestConcurrentAttachDetach(t *testing.T) {
	h := newHarness(t, filter.NewSim())

	res, err := h.mgr.AttachClient("inbound", 64, h.prov, testClient("seed"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%02d", i)
			for j := 0; j < 50; j++ {
				if err := res.Attach(testClient(id)); err != nil {
					return
				}
				if err := res.Detach(id); err != nil {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, res.ClientCount())
	assert.Equal(t, StateActive, res.State())

	require.NoError(t, res.Detach("seed"))
	freed := make(chan struct{})
	require.NoError(t, res.BeginDelete(func() { close(freed) }))
	waitFired(t, freed)
}

func TestInterleavedDetachAndDelete(t *testing.T) {
	// The free must happen exactly once regardless of which of the two
	// release signals lands last.
	for i := 0; i < 50; i++ {
		sim := filter.NewManualSim()
		h := newHarness(t, sim)

		res, err := h.mgr.AttachClient("inbound", 4, h.prov, testClient("a"))
		require.NoError(t, err)

		installed := make(chan error, 1)
		res.AddRules(ruleParams("r"), func(err error) { installed <- err })
		for _, op := range sim.Ops() {
			op.Complete()
		}
		require.NoError(t, waitErr(t, installed))

		freed := make(chan struct{})
		var fires int32
		require.NoError(t, res.BeginDelete(func() {
			atomic.AddInt32(&fires, 1)
			close(freed)
		}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = res.Detach("a")
		}()
		go func() {
			defer wg.Done()
			sim.Ops()[0].Complete()
		}()
		wg.Wait()

		waitFired(t, freed)
		require.Equal(t, int32(1), atomic.LoadInt32(&fires))
	}
}
