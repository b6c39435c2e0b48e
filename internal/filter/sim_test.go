// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/errors"
)

func validParams(name string) RuleParams {
	return RuleParams{
		Name:      name,
		HookPoint: "ingress",
		Direction: "ingress",
		Action:    ActionDrop,
		Match:     Match{Protocol: "tcp", DstPort: 443},
	}
}

func TestSimInstallAndRemove(t *testing.T) {
	s := NewSim()
	defer s.Close()

	idCh := make(chan RuleID, 1)
	s.InstallRule(validParams("block-tls"), func(id RuleID, err error) {
		require.NoError(t, err)
		idCh <- id
	})

	var id RuleID
	select {
	case id = <-idCh:
	case <-time.After(2 * time.Second):
		t.Fatal("install never completed")
	}
	assert.Len(t, s.Rules(), 1)

	removed := make(chan error, 1)
	s.RemoveRule(id, func(err error) { removed <- err })
	select {
	case err := <-removed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remove never completed")
	}
	assert.Empty(t, s.Rules())
}

func TestSimRemoveUnknownRule(t *testing.T) {
	s := NewSim()
	defer s.Close()

	done := make(chan error, 1)
	s.RemoveRule(RuleID("no-such-rule"), func(err error) { done <- err })

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
	case <-time.After(2 * time.Second):
		t.Fatal("remove never completed")
	}
}

func TestSimInjectedInstallFailure(t *testing.T) {
	s := NewSim()
	defer s.Close()
	s.FailInstall("doomed", errors.New(errors.KindNoMemory, "table full"))

	done := make(chan error, 1)
	s.InstallRule(validParams("doomed"), func(_ RuleID, err error) { done <- err })

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.KindNoMemory, errors.GetKind(err))
	case <-time.After(2 * time.Second):
		t.Fatal("install never completed")
	}
	assert.Empty(t, s.Rules())
}

func TestManualSimControlsCompletionOrder(t *testing.T) {
	s := NewManualSim()
	defer s.Close()

	results := make(chan string, 3)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		s.InstallRule(validParams(name), func(_ RuleID, err error) {
			require.NoError(t, err)
			results <- name
		})
	}

	ops := s.Ops()
	require.Len(t, ops, 3)

	// Complete out of submission order: b, c, a.
	ops[1].Complete()
	ops[2].Complete()
	ops[0].Complete()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case n := <-results:
			got = append(got, n)
		case <-time.After(2 * time.Second):
			t.Fatal("completion missing")
		}
	}
	assert.Equal(t, []string{"b", "c", "a"}, got)
	assert.Empty(t, s.Ops())
}

func TestManualSimDoubleCompletePanics(t *testing.T) {
	s := NewManualSim()
	defer s.Close()

	s.InstallRule(validParams("once"), func(RuleID, error) {})
	op := s.Ops()[0]
	op.Complete()

	assert.Panics(t, func() { op.Complete() })
}

func TestValidateRuleParams(t *testing.T) {
	cases := []struct {
		name   string
		params RuleParams
		kind   errors.Kind
	}{
		{"missing name", RuleParams{Action: ActionDrop}, errors.KindInvalidArgument},
		{"bad action", RuleParams{Name: "x", Action: Action("reject")}, errors.KindInvalidArgument},
		{"bad protocol", RuleParams{Name: "x", Action: ActionAccept, Match: Match{Protocol: "sctp"}}, errors.KindInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			require.Error(t, err)
			assert.Equal(t, tc.kind, errors.GetKind(err))
		})
	}

	assert.NoError(t, validParams("ok").Validate())
}
