// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// SyslogConfig controls forwarding of log records to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"`
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"`
}

// DefaultSyslogConfig returns the disabled baseline: RFC 3164 over UDP 514,
// facility 1 (user-level).
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flyhook",
		Facility: 1,
	}
}

// SyslogWriter frames each Write as an RFC 3164 message and sends it to the
// configured collector. Writes after a connection failure attempt one redial.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	addr     string
	protocol string
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter connects to the collector described by cfg. Host is
// required; port, protocol and tag fall back to the defaults.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flyhook"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	w := &SyslogWriter{
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		protocol: cfg.Protocol,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}
	if err := w.dial(); err != nil {
		return nil, fmt.Errorf("syslog dial %s://%s: %w", cfg.Protocol, w.addr, err)
	}
	return w, nil
}

func (w *SyslogWriter) dial() error {
	conn, err := net.DialTimeout(w.protocol, w.addr, 5*time.Second)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// Write sends one syslog message. Severity is fixed at notice; zap already
// encodes the real level inside the payload.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	const severityNotice = 5
	pri := w.facility*8 + severityNotice
	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		pri,
		time.Now().Format(time.Stamp),
		w.hostname,
		w.tag,
		os.Getpid(),
		strings.TrimRight(string(p), "\n"))

	if w.conn == nil {
		if err := w.dial(); err != nil {
			return 0, err
		}
	}
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		// One redial per write keeps transient collector restarts invisible.
		w.conn.Close()
		w.conn = nil
		if derr := w.dial(); derr != nil {
			return 0, err
		}
		if _, rerr := w.conn.Write([]byte(msg)); rerr != nil {
			return 0, rerr
		}
	}
	return len(p), nil
}

// Close shuts down the collector connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
