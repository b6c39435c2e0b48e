// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package client

import (
	"context"

	"github.com/cilium/ebpf"

	"grimm.is/flyhook/internal/errors"
)

// Program invokes a loaded eBPF program for each offered packet. The
// program's return value selects the VerdictType; values outside the
// known set accept.
type Program struct {
	name string
	prog *ebpf.Program
	coll *ebpf.Collection
}

// LoadProgram loads an object file and wraps the named program.
func LoadProgram(path, progName string) (*Program, error) {
	coll, err := ebpf.LoadCollection(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidArgument, "load ebpf collection %s", path)
	}
	prog, ok := coll.Programs[progName]
	if !ok {
		coll.Close()
		return nil, errors.Errorf(errors.KindInvalidArgument, "program %s not found in %s", progName, path)
	}
	return &Program{name: progName, prog: prog, coll: coll}, nil
}

// NewProgram wraps an already-loaded program. The caller keeps ownership of
// prog's lifetime.
func NewProgram(name string, prog *ebpf.Program) *Program {
	return &Program{name: name, prog: prog}
}

// ID implements Client.
func (p *Program) ID() string { return p.name }

// Invoke implements Client by running the program over the packet payload.
func (p *Program) Invoke(ctx context.Context, pkt Packet) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{Type: VerdictAccept}, errors.Wrap(err, errors.KindCancelled, "invoke cancelled")
	}

	data := pkt.Payload
	// The kernel test-run interface needs at least an Ethernet header's
	// worth of data.
	if len(data) < 14 {
		padded := make([]byte, 14)
		copy(padded, data)
		data = padded
	}

	ret, err := p.prog.Run(&ebpf.RunOptions{Data: data})
	if err != nil {
		return Verdict{Type: VerdictAccept}, errors.Wrapf(err, errors.KindInternal, "run program %s", p.name)
	}

	switch VerdictType(ret) {
	case VerdictDrop:
		return Verdict{Type: VerdictDrop}, nil
	case VerdictAcceptWithMark:
		return Verdict{Type: VerdictAcceptWithMark}, nil
	default:
		return Verdict{Type: VerdictAccept}, nil
	}
}

// Close releases the collection when the program was loaded from a file.
func (p *Program) Close() error {
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
		return nil
	}
	return nil
}
