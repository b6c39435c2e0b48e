// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package client

import (
	"context"

	"grimm.is/flyhook/internal/errors"
)

// Program is a stub for non-Linux systems.
type Program struct {
	name string
}

// LoadProgram is unavailable off Linux.
func LoadProgram(path, progName string) (*Program, error) {
	return nil, errors.New(errors.KindNotSupported, "ebpf client programs require linux")
}

// ID implements Client.
func (p *Program) ID() string { return p.name }

// Invoke always accepts on non-Linux.
func (p *Program) Invoke(ctx context.Context, pkt Packet) (Verdict, error) {
	return Verdict{Type: VerdictAccept}, nil
}

// Close is a no-op on non-Linux.
func (p *Program) Close() error { return nil }
