// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"grimm.is/flyhook/internal/errors"
)

// Cancellation states for an in-flight command. The only legal transitions
// are Active -> Cancelling -> Completed and Active -> Completed; Completed
// is terminal and reached exactly once.
const (
	stateActive int32 = iota
	stateCancelling
	stateCompleted
)

// pending is one dispatched command from arrival to its single completion.
// Async commands are additionally tracked by correlation id so a cancel
// request can find them.
type pending struct {
	cmd         Command
	name        string
	correlation uint64
	outputCap   uint32
	principal   string
	started     time.Time
	tracked     bool

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	d        *Dispatcher
	complete CompleteFunc
}

func (d *Dispatcher) newPending(cmd Command, name string, caller Caller, correlation uint64, outputCap uint32, complete CompleteFunc) *pending {
	// The command's lifetime is decoupled from the submitting goroutine:
	// the submitter returns on "pending" while the handler keeps running.
	ctx, cancel := context.WithCancel(context.Background())
	p := &pending{
		cmd:         cmd,
		name:        name,
		correlation: correlation,
		outputCap:   outputCap,
		started:     time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		d:           d,
		complete:    complete,
	}
	if caller != nil {
		p.principal = caller.Principal()
	}
	return p
}

// requestCancel delivers the cancellation hint. It reports whether the hint
// landed before the command completed. The handler stays responsible for
// completing; cancellation never substitutes its own completion.
func (p *pending) requestCancel() bool {
	for {
		switch st := p.state.Load(); st {
		case stateActive:
			if p.state.CompareAndSwap(stateActive, stateCancelling) {
				p.cancel()
				return true
			}
		case stateCancelling:
			return true
		default:
			return false
		}
	}
}

// finish performs the user-visible completion. The terminal transition is
// single-assignment: a second call is a handler bug and is dropped with an
// internal error logged.
func (p *pending) finish(reply []byte, err error) {
	for {
		st := p.state.Load()
		if st == stateCompleted {
			p.d.log.Error("Command completed twice, dropping second completion",
				"command", p.name, "correlation", p.correlation)
			return
		}
		if p.state.CompareAndSwap(st, stateCompleted) {
			break
		}
	}

	if p.tracked {
		p.d.untrack(p.correlation)
	}
	p.cancel()

	if err == nil && len(reply) > int(p.outputCap) {
		err = errors.Attr(
			errors.Errorf(errors.KindBufferTooSmall, "reply needs %d bytes, caller offered %d", len(reply), p.outputCap),
			"required", len(reply))
		reply = nil
	}

	p.d.observe(p, reply, err)
	p.complete(reply, err)
}

// cancelled reports whether a cancellation hint arrived before completion.
func (p *pending) cancelled() bool {
	return p.state.Load() == stateCancelling
}
