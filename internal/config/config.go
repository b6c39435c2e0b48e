// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the daemon configuration from HCL.
package config

import (
	"grimm.is/flyhook/internal/audit"
	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookpoints"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/privilege"
)

// Config is the top-level daemon configuration. Every block is optional;
// a missing block takes its package defaults, so an empty file is a valid
// configuration.
type Config struct {
	Channel    *channel.Config              `hcl:"channel,block"`
	Privilege  *privilege.Config            `hcl:"privilege,block"`
	Filter     *filter.Config               `hcl:"filter,block"`
	HookPoints []hookpoints.HookPointConfig `hcl:"hookpoint,block"`
	Diag       *diag.Config                 `hcl:"diag,block"`
	Logging    *Logging                     `hcl:"logging,block"`
	Audit      *audit.Config                `hcl:"audit,block"`
}

// Logging mirrors logging.Config with decode-friendly field types. The
// level is a string here and parsed on Build.
type Logging struct {
	Level  string                `hcl:"level,optional"`
	JSON   bool                  `hcl:"json,optional"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block"`
}

// Build converts the block into the logging package's runtime config.
// A nil block builds the defaults.
func (l *Logging) Build() logging.Config {
	cfg := logging.DefaultConfig()
	if l == nil {
		return cfg
	}
	cfg.Level = logging.ParseLevel(l.Level)
	cfg.JSON = l.JSON
	if l.Syslog != nil {
		cfg.Syslog = *l.Syslog
	}
	return cfg
}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills nil blocks with their package defaults. Field-level
// gaps inside present blocks are left alone; the owning packages normalize
// those at construction.
func (c *Config) ApplyDefaults() {
	if c.Channel == nil {
		ch := channel.DefaultConfig()
		c.Channel = &ch
	}
	if c.Privilege == nil {
		p := privilege.DefaultConfig()
		c.Privilege = &p
	}
	if c.Filter == nil {
		c.Filter = &filter.Config{}
	}
	if c.Diag == nil {
		d := diag.DefaultConfig()
		c.Diag = &d
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: "info"}
	}
	if c.Audit == nil {
		a := audit.DefaultConfig()
		c.Audit = &a
	}
}
