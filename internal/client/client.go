// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package client defines the capability handles for programs attached to
// hook points: an identity plus an invoke capability, nothing more.
package client

import (
	"context"
	"net"
	"time"
)

// VerdictType represents the type of verdict for a packet
type VerdictType int

const (
	// VerdictDrop drops the packet
	VerdictDrop VerdictType = iota
	// VerdictAccept accepts the packet
	VerdictAccept
	// VerdictAcceptWithMark accepts the packet and sets a conntrack mark
	VerdictAcceptWithMark
)

// Verdict represents the verdict for a packet, including optional conntrack mark
type Verdict struct {
	Type VerdictType
	Mark uint32 // Only used when Type is VerdictAcceptWithMark
}

// Packet is the decoded metadata a hook point hands to attached clients.
type Packet struct {
	Timestamp time.Time
	Length    int
	Protocol  string
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
}

// Client is an attached program. Implementations are compared by ID; Invoke
// may run concurrently from multiple packet-processing goroutines.
type Client interface {
	ID() string
	Invoke(ctx context.Context, pkt Packet) (Verdict, error)
}

// Func adapts a plain function to the Client interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, pkt Packet) (Verdict, error)
}

// ID implements Client.
func (f *Func) ID() string { return f.Name }

// Invoke implements Client.
func (f *Func) Invoke(ctx context.Context, pkt Packet) (Verdict, error) {
	if f.Fn == nil {
		return Verdict{Type: VerdictAccept}, nil
	}
	return f.Fn(ctx, pkt)
}
