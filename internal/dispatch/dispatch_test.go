// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/metrics"
)

type fakeCaller struct {
	priv bool
	name string
}

func (f fakeCaller) Privileged() bool  { return f.priv }
func (f fakeCaller) Principal() string { return f.name }

var (
	root   = fakeCaller{priv: true, name: "root"}
	nobody = fakeCaller{priv: false, name: "nobody"}
)

type outcome struct {
	reply []byte
	err   error
}

func newTestDispatcher() (*Dispatcher, *metrics.Metrics) {
	met := metrics.New()
	return NewDispatcher(met, events.NewBus(), nil), met
}

func dispatchWait(t *testing.T, d *Dispatcher, caller Caller, raw []byte, cap uint32, corr uint64) outcome {
	t.Helper()
	ch := make(chan outcome, 1)
	d.Dispatch(context.Background(), caller, raw, cap, corr, func(reply []byte, err error) {
		ch <- outcome{reply: reply, err: err}
	})
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
		return outcome{}
	}
}

func TestEmptyCommandBuffer(t *testing.T) {
	d, _ := newTestDispatcher()
	invoked := false
	d.Register(CmdPing, Spec{Name: "ping", Handler: func(context.Context, *Call) ([]byte, error) {
		invoked = true
		return nil, nil
	}})

	out := dispatchWait(t, d, root, nil, 64, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
	assert.False(t, invoked)
}

func TestUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher()
	out := dispatchWait(t, d, root, EncodeCommand(Command(9999), nil), 64, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindNotSupported, errors.GetKind(out.err))
}

func TestPrivilegedCommandFromUnprivilegedCaller(t *testing.T) {
	d, _ := newTestDispatcher()
	invoked := false
	d.Register(CmdAttach, Spec{Name: "attach", Privileged: true, Handler: func(context.Context, *Call) ([]byte, error) {
		invoked = true
		return nil, nil
	}})

	out := dispatchWait(t, d, nobody, EncodeCommand(CmdAttach, []byte(`{}`)), 64, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindAccessDenied, errors.GetKind(out.err))
	assert.False(t, invoked, "denied command must have no side effects")
}

func TestValidationOrder(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdAddRules, Spec{
		Name:       "add_rules",
		Privileged: true,
		MinPayload: 8,
		MinReply:   128,
		Handler:    func(context.Context, *Call) ([]byte, error) { return nil, nil },
	})

	// Unknown command id wins over the caller's missing privilege.
	out := dispatchWait(t, d, nobody, EncodeCommand(Command(4242), nil), 0, 0)
	assert.Equal(t, errors.KindNotSupported, errors.GetKind(out.err))

	// Privilege is checked before the command-specific payload minimum.
	out = dispatchWait(t, d, nobody, EncodeCommand(CmdAddRules, nil), 0, 0)
	assert.Equal(t, errors.KindAccessDenied, errors.GetKind(out.err))

	// Payload minimum is checked before reply capacity.
	out = dispatchWait(t, d, root, EncodeCommand(CmdAddRules, []byte("ab")), 0, 0)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))

	// With a valid payload, insufficient reply capacity surfaces last.
	out = dispatchWait(t, d, root, EncodeCommand(CmdAddRules, []byte("abcdefgh")), 16, 0)
	assert.Equal(t, errors.KindBufferTooSmall, errors.GetKind(out.err))
}

func TestSyncCompletion(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdPing, Spec{Name: "ping", Handler: func(_ context.Context, call *Call) ([]byte, error) {
		return call.Payload, nil
	}})

	out := dispatchWait(t, d, nobody, EncodeCommand(CmdPing, []byte("hello")), 64, 0)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("hello"), out.reply)
}

func TestReplyExceedsCapacity(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdGetVersion, Spec{Name: "get_version", Handler: func(context.Context, *Call) ([]byte, error) {
		return make([]byte, 100), nil
	}})

	out := dispatchWait(t, d, nobody, EncodeCommand(CmdGetVersion, nil), 10, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindBufferTooSmall, errors.GetKind(out.err))
	assert.EqualValues(t, 100, errors.GetAttributes(out.err)["required"])
}

func TestAsyncCompletesLater(t *testing.T) {
	d, _ := newTestDispatcher()
	var handlerDone CompleteFunc
	ready := make(chan struct{})
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		handlerDone = complete
		close(ready)
	}})

	ch := make(chan outcome, 1)
	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 31, func(reply []byte, err error) {
		ch <- outcome{reply, err}
	})
	<-ready

	select {
	case <-ch:
		t.Fatal("async command completed before its handler did")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, d.PendingCount())

	handlerDone([]byte("done"), nil)
	select {
	case out := <-ch:
		require.NoError(t, out.err)
		assert.Equal(t, []byte("done"), out.reply)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
	assert.Zero(t, d.PendingCount())
}

func TestCancelledHandlerResultIsDelivered(t *testing.T) {
	// The cancellation hint arrives first; the handler still finishes and
	// its real result is what the caller sees.
	d, met := newTestDispatcher()
	started := make(chan struct{})
	release := make(chan struct{})
	d.Register(CmdAddRules, Spec{Name: "add_rules", Async: func(ctx context.Context, _ *Call, complete CompleteFunc) {
		go func() {
			close(started)
			<-ctx.Done()
			<-release
			complete([]byte("real result"), nil)
		}()
	}})

	ch := make(chan outcome, 1)
	d.Dispatch(context.Background(), root, EncodeCommand(CmdAddRules, nil), 64, 7, func(reply []byte, err error) {
		ch <- outcome{reply, err}
	})
	<-started

	require.NoError(t, d.CancelCommand(7))
	close(release)

	select {
	case out := <-ch:
		require.NoError(t, out.err)
		assert.Equal(t, []byte("real result"), out.reply)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(met.CancellationsTotal.WithLabelValues("delivered")))
}

func TestCancelAfterCompletion(t *testing.T) {
	d, met := newTestDispatcher()
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		complete(nil, nil)
	}})

	out := dispatchWait(t, d, root, EncodeCommand(CmdDrain, nil), 64, 9)
	require.NoError(t, out.err)

	err := d.CancelCommand(9)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.CancellationsTotal.WithLabelValues("too_late")))
}

func TestCancelUnknownCorrelation(t *testing.T) {
	d, _ := newTestDispatcher()
	err := d.CancelCommand(404)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestAsyncNeedsCorrelation(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		complete(nil, nil)
	}})

	out := dispatchWait(t, d, root, EncodeCommand(CmdDrain, nil), 64, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	d, _ := newTestDispatcher()
	release := make(chan struct{})
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		go func() {
			<-release
			complete(nil, nil)
		}()
	}})

	first := make(chan outcome, 1)
	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 55, func(reply []byte, err error) {
		first <- outcome{reply, err}
	})

	out := dispatchWait(t, d, root, EncodeCommand(CmdDrain, nil), 64, 55)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(out.err))

	close(release)
	select {
	case out := <-first:
		require.NoError(t, out.err)
	case <-time.After(2 * time.Second):
		t.Fatal("first command never completed")
	}
}

func TestExactlyOneCompletionUnderCancellationRace(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		go complete(nil, nil)
	}})

	var completions int64
	for i := 0; i < 200; i++ {
		corr := uint64(i + 1)
		done := make(chan struct{})
		d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, corr, func([]byte, error) {
			atomic.AddInt64(&completions, 1)
			close(done)
		})
		go func() { _ = d.CancelCommand(corr) }()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d never completed", i)
		}
	}
	assert.Equal(t, int64(200), atomic.LoadInt64(&completions))
	assert.Zero(t, d.PendingCount())
}

func TestDoubleCompletionDropped(t *testing.T) {
	d, _ := newTestDispatcher()
	var extra CompleteFunc
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(_ context.Context, _ *Call, complete CompleteFunc) {
		extra = complete
		complete([]byte("first"), nil)
	}})

	var count int64
	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 78, func([]byte, error) {
		atomic.AddInt64(&count, 1)
	})
	extra([]byte("second"), nil)

	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestHandlerPanicCompletesWithInternal(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdPing, Spec{Name: "ping", Handler: func(context.Context, *Call) ([]byte, error) {
		panic("boom")
	}})

	out := dispatchWait(t, d, root, EncodeCommand(CmdPing, nil), 64, 0)
	require.Error(t, out.err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(out.err))
}

func TestShutdownWaitsForPending(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(ctx context.Context, _ *Call, complete CompleteFunc) {
		go func() {
			<-ctx.Done()
			complete(nil, errors.New(errors.KindCancelled, "aborted"))
		}()
	}})

	done := make(chan outcome, 1)
	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 12, func(reply []byte, err error) {
		done <- outcome{reply, err}
	})
	require.Equal(t, 1, d.PendingCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	out := <-done
	assert.Equal(t, errors.KindCancelled, errors.GetKind(out.err))

	// New async work is refused once shutdown began.
	out = dispatchWait(t, d, root, EncodeCommand(CmdDrain, nil), 64, 13)
	assert.Equal(t, errors.KindCancelled, errors.GetKind(out.err))
}

func TestShutdownTimeout(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(context.Context, *Call, CompleteFunc) {
		// Never completes; the shutdown must give up on its own deadline.
	}})

	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 21, func([]byte, error) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimedOut, errors.GetKind(err))
}

func TestPendingSnapshot(t *testing.T) {
	d, _ := newTestDispatcher()
	release := make(chan struct{})
	d.Register(CmdDrain, Spec{Name: "drain", Async: func(ctx context.Context, _ *Call, complete CompleteFunc) {
		go func() {
			<-release
			complete(nil, nil)
		}()
	}})

	done := make(chan struct{})
	d.Dispatch(context.Background(), root, EncodeCommand(CmdDrain, nil), 64, 99, func([]byte, error) {
		close(done)
	})

	infos := d.Pending()
	require.Len(t, infos, 1)
	assert.Equal(t, "drain", infos[0].Command)
	assert.EqualValues(t, 99, infos[0].Correlation)
	assert.False(t, infos[0].Cancelling)

	require.NoError(t, d.CancelCommand(99))
	infos = d.Pending()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Cancelling)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
	}
}
