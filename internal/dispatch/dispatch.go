// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch validates and routes control commands, completes each
// one exactly once, and bridges in-flight async commands to caller
// cancellation. Handlers run concurrently; nothing here assumes a single
// submitting goroutine.
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/metrics"
)

// Command identifies a control operation on the command channel.
type Command uint32

const (
	CmdPing               Command = 1
	CmdGetVersion         Command = 2
	CmdListHooks          Command = 3
	CmdListResources      Command = 4
	CmdAttach             Command = 5
	CmdDetach             Command = 6
	CmdAddRules           Command = 7
	CmdDeleteResource     Command = 8
	CmdCancel             Command = 9
	CmdDrain              Command = 10
	CmdRegisterProvider   Command = 11
	CmdDeregisterProvider Command = 12
)

// CommandHeaderSize is the fixed prefix of every command buffer: the
// little-endian command identifier. A buffer shorter than this is rejected
// before any lookup.
const CommandHeaderSize = 4

// Caller is the opaque identity of whoever submitted a command. The
// privilege test is the only capability the dispatcher consumes.
type Caller interface {
	Privileged() bool
	Principal() string
}

// Call is the decoded command a handler receives. Payload stays valid
// until the command's completion fires.
type Call struct {
	Command     Command
	Name        string
	Correlation uint64
	Payload     []byte
	OutputCap   uint32
	Caller      Caller
}

// CompleteFunc delivers a command's single terminal outcome.
type CompleteFunc func(reply []byte, err error)

// HandlerFunc is a synchronous handler: it returns and the dispatcher
// completes the command inline.
type HandlerFunc func(ctx context.Context, call *Call) ([]byte, error)

// AsyncHandlerFunc is an asynchronous handler. It must invoke complete
// exactly once, possibly from another goroutine and long after returning.
// ctx is cancelled when the caller requests cancellation; that is a hint
// to finish early, not permission to skip completion.
type AsyncHandlerFunc func(ctx context.Context, call *Call, complete CompleteFunc)

// Spec declares one command's handler and validation bounds.
type Spec struct {
	Name       string
	Handler    HandlerFunc
	Async      AsyncHandlerFunc
	Privileged bool
	MinPayload int
	MinReply   int
}

// Auditor records the outcome of privileged commands. Implementations must
// not block the completion path.
type Auditor interface {
	RecordCommand(name, principal string, privileged bool, outcome string, duration time.Duration)
}

// PendingInfo is a diagnostic snapshot of one in-flight async command.
type PendingInfo struct {
	Command     string    `json:"command"`
	Correlation uint64    `json:"correlation"`
	Started     time.Time `json:"started"`
	Cancelling  bool      `json:"cancelling"`
}

// Dispatcher owns the command table and the set of in-flight async
// commands. The table is fixed after registration; the pending set is
// mutated under its own lock.
type Dispatcher struct {
	table map[Command]*Spec

	mu      sync.Mutex
	inHand  map[uint64]*pending
	stopped bool
	idle    chan struct{}

	met     *metrics.Metrics
	bus     *events.Bus
	log     *logging.Logger
	auditor Auditor
}

// NewDispatcher returns a dispatcher with an empty command table. auditor
// may be nil.
func NewDispatcher(met *metrics.Metrics, bus *events.Bus, auditor Auditor) *Dispatcher {
	return &Dispatcher{
		table:   make(map[Command]*Spec),
		inHand:  make(map[uint64]*pending),
		met:     met,
		bus:     bus,
		log:     logging.WithComponent("dispatch"),
		auditor: auditor,
	}
}

// Register installs a command's spec. Exactly one of Handler and Async must
// be set. Registration happens at startup, before any Dispatch call.
func (d *Dispatcher) Register(cmd Command, spec Spec) {
	if spec.Name == "" || (spec.Handler == nil) == (spec.Async == nil) {
		panic("dispatch: command spec needs a name and exactly one handler")
	}
	if _, dup := d.table[cmd]; dup {
		panic("dispatch: duplicate command registration")
	}
	s := spec
	d.table[cmd] = &s
}

// Dispatch validates raw and routes it to its handler. complete fires
// exactly once with the terminal outcome: inline for rejected and
// synchronous commands, later for async ones. Checks run in a fixed order
// and all of them precede any state change, so a rejected command has no
// side effects.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, raw []byte, outputCap uint32, correlation uint64, complete CompleteFunc) {
	if len(raw) < CommandHeaderSize {
		d.reject(0, "short", caller, correlation, outputCap, complete,
			errors.Errorf(errors.KindInvalidArgument, "command buffer is %d bytes, header needs %d", len(raw), CommandHeaderSize))
		return
	}
	cmd := Command(binary.LittleEndian.Uint32(raw))
	payload := raw[CommandHeaderSize:]

	spec, known := d.table[cmd]
	if !known {
		d.reject(cmd, "unknown", caller, correlation, outputCap, complete,
			errors.Errorf(errors.KindNotSupported, "unknown command %d", cmd))
		return
	}
	if spec.Privileged && !caller.Privileged() {
		d.reject(cmd, spec.Name, caller, correlation, outputCap, complete,
			errors.Errorf(errors.KindAccessDenied, "%s requires a privileged caller", spec.Name))
		return
	}
	if len(payload) < spec.MinPayload {
		d.reject(cmd, spec.Name, caller, correlation, outputCap, complete,
			errors.Errorf(errors.KindInvalidArgument, "%s payload is %d bytes, minimum %d", spec.Name, len(payload), spec.MinPayload))
		return
	}
	if outputCap < uint32(spec.MinReply) {
		d.reject(cmd, spec.Name, caller, correlation, outputCap, complete,
			errors.Errorf(errors.KindBufferTooSmall, "%s reply needs at least %d bytes, caller offered %d", spec.Name, spec.MinReply, outputCap))
		return
	}

	call := &Call{
		Command:     cmd,
		Name:        spec.Name,
		Correlation: correlation,
		Payload:     payload,
		OutputCap:   outputCap,
		Caller:      caller,
	}
	p := d.newPending(cmd, spec.Name, caller, correlation, outputCap, complete)

	// A panicking handler still owes its one completion; finish drops the
	// second call if the handler completed before panicking.
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("Command handler panicked", "command", spec.Name, "panic", fmt.Sprint(rec))
			p.finish(nil, errors.Errorf(errors.KindInternal, "%s handler panicked", spec.Name))
		}
	}()

	if spec.Async != nil {
		// Cancellation registration precedes the handler invocation, so a
		// cancel request can never arrive between the two and miss.
		if err := d.track(p); err != nil {
			p.finish(nil, err)
			return
		}
		spec.Async(p.ctx, call, p.finish)
		return
	}

	reply, err := spec.Handler(ctx, call)
	p.finish(reply, err)
}

// CancelCommand delivers a cancellation hint to an in-flight async command.
// A command that already completed, or was never tracked, yields
// InvalidArgument. Cancelling twice is a harmless repeat of the hint.
func (d *Dispatcher) CancelCommand(correlation uint64) error {
	d.mu.Lock()
	p, ok := d.inHand[correlation]
	d.mu.Unlock()
	if !ok {
		d.met.CancellationsTotal.WithLabelValues("too_late").Inc()
		return errors.Errorf(errors.KindInvalidArgument, "no pending command with correlation %d", correlation)
	}

	if !p.requestCancel() {
		d.met.CancellationsTotal.WithLabelValues("too_late").Inc()
		return errors.Errorf(errors.KindInvalidArgument, "command %d already completed", correlation)
	}

	d.met.CancellationsTotal.WithLabelValues("delivered").Inc()
	d.bus.Publish(events.Event{
		Type:    events.TypeCommandCancelled,
		Command: p.name,
		Detail:  map[string]any{"correlation": correlation},
	})
	d.log.Info("Cancellation requested", "command", p.name, "correlation", correlation)
	return nil
}

// CancelAll delivers the cancellation hint to every in-flight command.
// Used at shutdown, after the channel stops accepting new work.
func (d *Dispatcher) CancelAll() int {
	d.mu.Lock()
	all := make([]*pending, 0, len(d.inHand))
	for _, p := range d.inHand {
		all = append(all, p)
	}
	d.mu.Unlock()

	n := 0
	for _, p := range all {
		if p.requestCancel() {
			n++
		}
	}
	if n > 0 {
		d.log.Info("Cancelled in-flight commands for shutdown", "count", n)
	}
	return n
}

// PendingCount returns the number of in-flight async commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inHand)
}

// Pending snapshots the in-flight async commands, oldest first.
func (d *Dispatcher) Pending() []PendingInfo {
	d.mu.Lock()
	out := make([]PendingInfo, 0, len(d.inHand))
	for _, p := range d.inHand {
		out = append(out, PendingInfo{
			Command:     p.name,
			Correlation: p.correlation,
			Started:     p.started,
			Cancelling:  p.cancelled(),
		})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Shutdown cancels all in-flight commands and waits for their handlers to
// complete, up to ctx's deadline. Handlers own their completions, so this
// only waits; it never completes on their behalf.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	if len(d.inHand) == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	idle := d.idle
	d.mu.Unlock()

	d.CancelAll()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), errors.KindTimedOut, "%d commands still pending", d.PendingCount())
	}
}

func (d *Dispatcher) track(p *pending) error {
	if p.correlation == 0 {
		return errors.Errorf(errors.KindInvalidArgument, "%s is asynchronous and needs a nonzero correlation id", p.name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.Errorf(errors.KindCancelled, "dispatcher is shutting down")
	}
	if _, dup := d.inHand[p.correlation]; dup {
		return errors.Errorf(errors.KindInvalidArgument, "correlation %d is already in flight", p.correlation)
	}
	d.inHand[p.correlation] = p
	p.tracked = true
	return nil
}

// untrack removes a completed command. The removal that empties the set
// during shutdown releases the Shutdown waiter, under this same lock.
func (d *Dispatcher) untrack(correlation uint64) {
	d.mu.Lock()
	delete(d.inHand, correlation)
	if d.stopped && len(d.inHand) == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
	d.mu.Unlock()
}

// reject completes a command that failed validation. The handler was never
// invoked and no state changed.
func (d *Dispatcher) reject(cmd Command, name string, caller Caller, correlation uint64, outputCap uint32, complete CompleteFunc, err error) {
	p := d.newPending(cmd, name, caller, correlation, outputCap, complete)
	p.finish(nil, err)
}

// observe records a command's terminal outcome in metrics, events, and the
// audit trail. It runs on the completion path and must stay cheap.
func (d *Dispatcher) observe(p *pending, reply []byte, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errors.GetKind(err).String()
	}
	elapsed := time.Since(p.started)

	d.met.CommandsTotal.WithLabelValues(p.name, outcome).Inc()
	d.met.CommandDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())

	d.bus.Publish(events.Event{
		Type:    events.TypeCommandCompleted,
		Command: p.name,
		Detail: map[string]any{
			"outcome":     outcome,
			"correlation": p.correlation,
			"duration_ms": elapsed.Milliseconds(),
			"reply_bytes": len(reply),
		},
	})

	spec, known := d.table[p.cmd]
	if known && spec.Privileged && d.auditor != nil {
		d.auditor.RecordCommand(p.name, p.principal, true, outcome, elapsed)
	}

	if err != nil {
		d.log.WithError(err).Debug("Command failed", "command", p.name, "outcome", outcome)
	}
}
