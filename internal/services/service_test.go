// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/errors"
)

// recorder appends lifecycle transitions to a shared log so tests can
// assert ordering across services.
type recorder struct {
	name     string
	failWith error
	calls    *[]string
	running  bool
}

func (f *recorder) Name() string { return f.name }

func (f *recorder) Start(context.Context) error {
	*f.calls = append(*f.calls, "start:"+f.name)
	if f.failWith != nil {
		return f.failWith
	}
	f.running = true
	return nil
}

func (f *recorder) Stop(context.Context) error {
	*f.calls = append(*f.calls, "stop:"+f.name)
	f.running = false
	return nil
}

func (f *recorder) Status() ServiceStatus {
	return ServiceStatus{Name: f.name, Running: f.running}
}

func TestRunnerStartsInOrderStopsInReverse(t *testing.T) {
	var calls []string
	r := NewRunner()
	r.Register(&recorder{name: "audit", calls: &calls})
	r.Register(&recorder{name: "hookpoints", calls: &calls})
	r.Register(&recorder{name: "channel", calls: &calls})

	require.NoError(t, r.StartAll(context.Background()))
	require.NoError(t, r.StopAll(context.Background()))

	assert.Equal(t, []string{
		"start:audit", "start:hookpoints", "start:channel",
		"stop:channel", "stop:hookpoints", "stop:audit",
	}, calls)
}

func TestRunnerRollsBackOnStartFailure(t *testing.T) {
	var calls []string
	boom := errors.New(errors.KindInternal, "queue bind failed")

	r := NewRunner()
	r.Register(&recorder{name: "audit", calls: &calls})
	r.Register(&recorder{name: "hookpoints", calls: &calls, failWith: boom})
	r.Register(&recorder{name: "channel", calls: &calls})

	err := r.StartAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))

	// The failed service never ran, so only audit is unwound; channel was
	// never reached.
	assert.Equal(t, []string{"start:audit", "start:hookpoints", "stop:audit"}, calls)
}

func TestRunnerStopAllIsIdempotent(t *testing.T) {
	var calls []string
	r := NewRunner()
	r.Register(&recorder{name: "channel", calls: &calls})

	require.NoError(t, r.StartAll(context.Background()))
	require.NoError(t, r.StopAll(context.Background()))
	require.NoError(t, r.StopAll(context.Background()))

	assert.Equal(t, []string{"start:channel", "stop:channel"}, calls)
}

func TestRunnerStatuses(t *testing.T) {
	var calls []string
	r := NewRunner()
	r.Register(&recorder{name: "audit", calls: &calls})
	r.Register(&recorder{name: "channel", calls: &calls})

	require.NoError(t, r.StartAll(context.Background()))

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "audit", statuses[0].Name)
	assert.True(t, statuses[0].Running)
	assert.True(t, statuses[1].Running)
}

func TestAdapterTracksState(t *testing.T) {
	started := 0
	a := &Adapter{
		ServiceName: "diag",
		StartFn: func(context.Context) error {
			started++
			return nil
		},
	}

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, 1, started)
	st := a.Status()
	assert.True(t, st.Running)
	assert.Empty(t, st.Error)

	// Nil StopFn stops cleanly.
	require.NoError(t, a.Stop(context.Background()))
	assert.False(t, a.Status().Running)
}

func TestAdapterRecordsStartError(t *testing.T) {
	a := &Adapter{
		ServiceName: "channel",
		StartFn: func(context.Context) error {
			return errors.New(errors.KindInternal, "socket in use")
		},
	}

	require.Error(t, a.Start(context.Background()))
	st := a.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.Error, "socket in use")
}
