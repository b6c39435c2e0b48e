// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter defines the contract with the external packet-filtering
// subsystem. Rule installation and removal complete asynchronously, exactly
// once each, possibly on a different goroutine than the caller's; beyond
// that contract rule handles are opaque.
package filter

import (
	"grimm.is/flyhook/internal/errors"
)

// RuleID identifies an installed rule within a backend.
type RuleID string

// Action is the verdict a rule applies to matching packets.
type Action string

const (
	ActionAccept Action = "accept"
	ActionDrop   Action = "drop"
	// ActionQueue steers matching packets to the hook point's userspace
	// queue, where attached client programs decide the verdict.
	ActionQueue Action = "queue"
)

// Match selects the packets a rule applies to. Zero values mean "any".
type Match struct {
	Protocol string `json:"protocol,omitempty"` // tcp, udp, icmp
	SrcCIDR  string `json:"src_cidr,omitempty"`
	DstCIDR  string `json:"dst_cidr,omitempty"`
	DstPort  uint16 `json:"dst_port,omitempty"`
}

// RuleParams describes one packet-filter rule to install. Direction and
// QueueNum are filled in from the hook point's registration before the
// params reach a backend.
type RuleParams struct {
	Name      string `json:"name"`
	HookPoint string `json:"hookpoint"`
	Direction string `json:"direction,omitempty"` // ingress, egress, forward
	Priority  int    `json:"priority"`
	Match     Match  `json:"match"`
	Action    Action `json:"action"`
	QueueNum  uint16 `json:"queue_num,omitempty"`
}

// Validate rejects parameter combinations no backend can express.
func (p RuleParams) Validate() error {
	if p.Name == "" {
		return errors.New(errors.KindInvalidArgument, "rule name is required")
	}
	switch p.Action {
	case ActionAccept, ActionDrop, ActionQueue:
	default:
		return errors.Errorf(errors.KindInvalidArgument, "unknown rule action %q", p.Action)
	}
	switch p.Match.Protocol {
	case "", "tcp", "udp", "icmp":
	default:
		return errors.Errorf(errors.KindInvalidArgument, "unknown protocol %q", p.Match.Protocol)
	}
	return nil
}

// Backend installs and removes packet-filter rules. Both operations report
// their outcome through the done callback, exactly once. Callbacks may run
// on another goroutine and must not be invoked with backend locks held.
type Backend interface {
	InstallRule(params RuleParams, done func(RuleID, error))
	RemoveRule(id RuleID, done func(error))
	Close() error
}

// DefaultTable is the nftables table rules land in when the configuration
// names none.
const DefaultTable = "flyhook"

// Config selects and parameterizes a backend.
type Config struct {
	Backend string `hcl:"backend,optional"` // nft or sim
	Table   string `hcl:"table,optional"`
}

// TableName resolves the configured table, falling back to DefaultTable.
func (c Config) TableName() string {
	if c.Table == "" {
		return DefaultTable
	}
	return c.Table
}

// Open builds the configured backend. The sim backend is available on every
// platform; nft requires Linux.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "sim":
		return NewSim(), nil
	case "nft":
		return NewNFT(cfg.Table)
	default:
		return nil, errors.Errorf(errors.KindInvalidArgument, "unknown filter backend %q", cfg.Backend)
	}
}
