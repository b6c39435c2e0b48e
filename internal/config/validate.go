// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"

	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/hookpoints"
)

// Validate rejects configurations the daemon could not start with. The
// owning packages repeat their own checks at construction; doing a pass
// here reports file mistakes before anything is built.
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.HookPoints))
	queues := make(map[uint16]string, len(c.HookPoints))
	for _, h := range c.HookPoints {
		if h.Name == "" {
			return errors.New(errors.KindInvalidArgument, "hookpoint block needs a name label")
		}
		if _, dup := names[h.Name]; dup {
			return errors.Errorf(errors.KindInvalidArgument, "duplicate hookpoint %q", h.Name)
		}
		names[h.Name] = struct{}{}

		if owner, dup := queues[h.QueueNum]; dup {
			return errors.Errorf(errors.KindInvalidArgument,
				"hookpoints %q and %q share queue %d", owner, h.Name, h.QueueNum)
		}
		queues[h.QueueNum] = h.Name

		switch h.Direction {
		case "", hookpoints.DirectionInbound, hookpoints.DirectionOutbound:
		default:
			return errors.Errorf(errors.KindInvalidArgument,
				"hookpoint %q: unknown direction %q", h.Name, h.Direction)
		}
	}

	if c.Filter != nil {
		switch c.Filter.Backend {
		case "", "sim", "nft":
		default:
			return errors.Errorf(errors.KindInvalidArgument, "unknown filter backend %q", c.Filter.Backend)
		}
	}

	if c.Diag != nil && c.Diag.Enabled && c.Diag.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Diag.Listen); err != nil {
			return errors.Wrapf(err, errors.KindInvalidArgument, "diag listen address %q", c.Diag.Listen)
		}
	}

	return nil
}
