// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package client

import (
	"context"
	"testing"
)

func TestVerdictConstants(t *testing.T) {
	if VerdictDrop != 0 {
		t.Errorf("Expected VerdictDrop = 0, got %d", VerdictDrop)
	}
	if VerdictAccept != 1 {
		t.Errorf("Expected VerdictAccept = 1, got %d", VerdictAccept)
	}
	if VerdictAcceptWithMark != 2 {
		t.Errorf("Expected VerdictAcceptWithMark = 2, got %d", VerdictAcceptWithMark)
	}
}

func TestFuncAdapter(t *testing.T) {
	var seen Packet
	c := &Func{
		Name: "inspector",
		Fn: func(_ context.Context, pkt Packet) (Verdict, error) {
			seen = pkt
			return Verdict{Type: VerdictDrop}, nil
		},
	}

	if c.ID() != "inspector" {
		t.Errorf("ID = %q", c.ID())
	}

	v, err := c.Invoke(context.Background(), Packet{Protocol: "tcp", DstPort: 22})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v.Type != VerdictDrop {
		t.Errorf("verdict = %v, want drop", v.Type)
	}
	if seen.Protocol != "tcp" || seen.DstPort != 22 {
		t.Errorf("packet not forwarded: %+v", seen)
	}
}

func TestFuncNilFnAccepts(t *testing.T) {
	c := &Func{Name: "noop"}
	v, err := c.Invoke(context.Background(), Packet{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v.Type != VerdictAccept {
		t.Errorf("verdict = %v, want accept", v.Type)
	}
}
