// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
)

const fullConfig = `
channel {
  socket_path = "/run/test/cmd.sock"
  socket_mode = "0600"
}

privilege {
  admin_group     = "hookadmins"
  service_account = "flyhookd"
}

filter {
  backend = "nft"
  table   = "testhooks"
}

hookpoint "inbound" {
  queue_num  = 100
  interfaces = ["eth0", "eth1"]
}

hookpoint "outbound" {
  direction = "outbound"
  queue_num = 101
}

diag {
  enabled = true
  listen  = "127.0.0.1:19814"
}

logging {
  level = "debug"
  json  = true

  syslog {
    enabled = true
    host    = "logs.example.net"
    port    = 514
  }
}

audit {
  path           = "/tmp/audit.db"
  retention_days = 7
}
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig), "flyhook.hcl")
	require.NoError(t, err)

	assert.Equal(t, "/run/test/cmd.sock", cfg.Channel.SocketPath)
	assert.Equal(t, "0600", cfg.Channel.SocketMode)
	assert.Equal(t, "hookadmins", cfg.Privilege.AdminGroup)
	assert.Equal(t, "flyhookd", cfg.Privilege.ServiceAccount)
	assert.Equal(t, "nft", cfg.Filter.Backend)
	assert.Equal(t, "testhooks", cfg.Filter.Table)

	require.Len(t, cfg.HookPoints, 2)
	assert.Equal(t, "inbound", cfg.HookPoints[0].Name)
	assert.Equal(t, uint16(100), cfg.HookPoints[0].QueueNum)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.HookPoints[0].Interfaces)
	assert.Equal(t, "outbound", cfg.HookPoints[1].Name)
	assert.Equal(t, "outbound", cfg.HookPoints[1].Direction)

	assert.True(t, cfg.Diag.Enabled)
	assert.Equal(t, "127.0.0.1:19814", cfg.Diag.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	require.NotNil(t, cfg.Logging.Syslog)
	assert.Equal(t, "logs.example.net", cfg.Logging.Syslog.Host)

	assert.Equal(t, "/tmp/audit.db", cfg.Audit.Path)
	assert.Equal(t, 7, cfg.Audit.RetentionDays)
}

func TestParseEmptyConfigGetsDefaults(t *testing.T) {
	cfg, err := Parse(nil, "flyhook.hcl")
	require.NoError(t, err)

	assert.Equal(t, channel.DefaultSocketPath, cfg.Channel.SocketPath)
	assert.Equal(t, "flyhook", cfg.Privilege.AdminGroup)
	assert.Empty(t, cfg.HookPoints)
	assert.False(t, cfg.Diag.Enabled)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
}

func TestParseRejectsBadSyntax(t *testing.T) {
	_, err := Parse([]byte("channel {"), "broken.hcl")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestParseRejectsUnknownAttribute(t *testing.T) {
	_, err := Parse([]byte("channel {\n  socket = \"oops\"\n}\n"), "flyhook.hcl")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flyhook.hcl")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/test/cmd.sock", cfg.Channel.SocketPath)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
}

func TestExampleParses(t *testing.T) {
	cfg, err := Parse(Example(), "flyhook.hcl")
	require.NoError(t, err)

	assert.Equal(t, channel.DefaultSocketPath, cfg.Channel.SocketPath)
	assert.Equal(t, "nft", cfg.Filter.Backend)
	require.Len(t, cfg.HookPoints, 1)
	assert.Equal(t, "inbound", cfg.HookPoints[0].Name)
	assert.Equal(t, uint16(100), cfg.HookPoints[0].QueueNum)
	assert.True(t, cfg.Diag.Enabled)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
}

func TestLoggingBuild(t *testing.T) {
	var missing *Logging
	cfg := missing.Build()
	assert.Equal(t, logging.LevelInfo, cfg.Level)

	cfg = (&Logging{Level: "debug", JSON: true}).Build()
	assert.Equal(t, logging.LevelDebug, cfg.Level)
	assert.True(t, cfg.JSON)

	cfg = (&Logging{Syslog: &logging.SyslogConfig{Enabled: true, Host: "h"}}).Build()
	assert.True(t, cfg.Syslog.Enabled)
	assert.Equal(t, "h", cfg.Syslog.Host)
}
