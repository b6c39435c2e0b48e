// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/flyhook/internal/errors"
)

// OpKind labels a pending simulator operation.
type OpKind int

const (
	OpInstall OpKind = iota
	OpRemove
)

// Op is one in-flight simulator operation. In manual mode the test decides
// when (and in which order) each completes.
type Op struct {
	Kind OpKind
	Rule RuleID
	Name string

	sim   *Sim
	fire  func()
	fired bool
}

// Complete fires the operation's completion callback. Completing an
// operation twice is a harness bug and panics.
func (op *Op) Complete() {
	op.sim.mu.Lock()
	if op.fired {
		op.sim.mu.Unlock()
		panic("filter: operation completed twice")
	}
	op.fired = true
	for i, p := range op.sim.pending {
		if p == op {
			op.sim.pending = append(op.sim.pending[:i], op.sim.pending[i+1:]...)
			break
		}
	}
	op.sim.mu.Unlock()

	op.fire()
}

// Sim is an in-memory filtering backend for tests and non-production runs.
// By default every operation completes asynchronously from its own
// goroutine; NewManualSim holds completions until the test releases them,
// which makes deletion interleavings reproducible.
type Sim struct {
	mu      sync.Mutex
	manual  bool
	closed  bool
	rules   map[RuleID]RuleParams
	pending []*Op

	failInstall map[string]error
	failRemove  map[string]error
}

// NewSim returns a simulator that auto-completes operations.
func NewSim() *Sim {
	return &Sim{
		rules:       make(map[RuleID]RuleParams),
		failInstall: make(map[string]error),
		failRemove:  make(map[string]error),
	}
}

// NewManualSim returns a simulator whose operations stay pending until the
// test completes them via Ops()[i].Complete().
func NewManualSim() *Sim {
	s := NewSim()
	s.manual = true
	return s
}

// FailInstall makes future installs of rules with the given name fail.
func (s *Sim) FailInstall(name string, err error) {
	s.mu.Lock()
	s.failInstall[name] = err
	s.mu.Unlock()
}

// FailRemove makes future removals of the named rule fail.
func (s *Sim) FailRemove(name string, err error) {
	s.mu.Lock()
	s.failRemove[name] = err
	s.mu.Unlock()
}

// InstallRule implements Backend.
func (s *Sim) InstallRule(params RuleParams, done func(RuleID, error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go done("", errors.New(errors.KindInternal, "filter backend closed"))
		return
	}

	id := RuleID(uuid.NewString())
	injected := s.failInstall[params.Name]
	if verr := params.Validate(); verr != nil {
		injected = verr
	}

	op := &Op{Kind: OpInstall, Rule: id, Name: params.Name, sim: s}
	op.fire = func() {
		if injected != nil {
			done("", injected)
			return
		}
		s.mu.Lock()
		s.rules[id] = params
		s.mu.Unlock()
		done(id, nil)
	}
	s.pending = append(s.pending, op)
	manual := s.manual
	s.mu.Unlock()

	if !manual {
		go op.Complete()
	}
}

// RemoveRule implements Backend.
func (s *Sim) RemoveRule(id RuleID, done func(error)) {
	s.mu.Lock()
	params, known := s.rules[id]
	var injected error
	if !known {
		injected = errors.Errorf(errors.KindInvalidArgument, "unknown rule id %s", id)
	} else if err, ok := s.failRemove[params.Name]; ok {
		injected = err
	}

	op := &Op{Kind: OpRemove, Rule: id, Name: params.Name, sim: s}
	op.fire = func() {
		if injected != nil {
			done(injected)
			return
		}
		s.mu.Lock()
		delete(s.rules, id)
		s.mu.Unlock()
		done(nil)
	}
	s.pending = append(s.pending, op)
	manual := s.manual
	s.mu.Unlock()

	if !manual {
		go op.Complete()
	}
}

// Ops returns the pending operations in submission order.
func (s *Sim) Ops() []*Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Op, len(s.pending))
	copy(out, s.pending)
	return out
}

// Rules returns a snapshot of the currently installed rules.
func (s *Sim) Rules() []RuleParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleParams, 0, len(s.rules))
	for _, p := range s.rules {
		out = append(out, p)
	}
	return out
}

// Close implements Backend.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
