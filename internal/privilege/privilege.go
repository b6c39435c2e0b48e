// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package privilege decides whether a command-channel caller may issue
// privileged commands. The allow-list is fixed: root, members of one admin
// group, and one named service account. It is resolved once at startup;
// per-caller checks only compare ids.
package privilege

import (
	"os/user"
	"strconv"

	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
)

// Config names the allow-list entries. Empty entries disable that arm;
// entries that name an unknown group or user fail checker construction.
type Config struct {
	AdminGroup     string `hcl:"admin_group,optional"`
	ServiceAccount string `hcl:"service_account,optional"`
}

// DefaultConfig allows root plus members of the flyhook group.
func DefaultConfig() Config {
	return Config{AdminGroup: "flyhook"}
}

// Identity is a caller as reported by the transport (peer credentials on
// the unix socket).
type Identity struct {
	UID uint32
	GID uint32
}

// Checker is the resolved allow-list.
type Checker struct {
	adminGID    uint32
	haveAdmin   bool
	serviceUID  uint32
	haveService bool
	log         *logging.Logger
}

// NewChecker resolves cfg's names against the local user database.
func NewChecker(cfg Config) (*Checker, error) {
	c := &Checker{log: logging.WithComponent("privilege")}

	if cfg.AdminGroup != "" {
		grp, err := user.LookupGroup(cfg.AdminGroup)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInvalidArgument, "admin group %q", cfg.AdminGroup)
		}
		gid, err := strconv.ParseUint(grp.Gid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "gid of group %q", cfg.AdminGroup)
		}
		c.adminGID = uint32(gid)
		c.haveAdmin = true
	}

	if cfg.ServiceAccount != "" {
		u, err := user.Lookup(cfg.ServiceAccount)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInvalidArgument, "service account %q", cfg.ServiceAccount)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "uid of user %q", cfg.ServiceAccount)
		}
		c.serviceUID = uint32(uid)
		c.haveService = true
	}

	c.log.Info("Privilege allow-list resolved",
		"admin_group", cfg.AdminGroup, "service_account", cfg.ServiceAccount)
	return c, nil
}

// Privileged reports whether id may issue privileged commands.
func (c *Checker) Privileged(id Identity) bool {
	if id.UID == 0 {
		return true
	}
	if c.haveService && id.UID == c.serviceUID {
		return true
	}
	if !c.haveAdmin {
		return false
	}
	if id.GID == c.adminGID {
		return true
	}
	return c.inGroup(id.UID, c.adminGID)
}

// Principal returns a human-readable name for audit records.
func (c *Checker) Principal(id Identity) string {
	if u, err := user.LookupId(strconv.FormatUint(uint64(id.UID), 10)); err == nil {
		return u.Username
	}
	return "uid:" + strconv.FormatUint(uint64(id.UID), 10)
}

// inGroup checks supplementary membership. The primary gid was already
// compared; this consults the user database, so it is the slow path.
func (c *Checker) inGroup(uid, gid uint32) bool {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return false
	}
	gids, err := u.GroupIds()
	if err != nil {
		return false
	}
	want := strconv.FormatUint(uint64(gid), 10)
	for _, g := range gids {
		if g == want {
			return true
		}
	}
	return false
}
