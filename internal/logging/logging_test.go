// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// syncBuffer lets concurrent zap writes land in one buffer safely.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggerJSONFields(t *testing.T) {
	out := &syncBuffer{}
	logger := New(Config{Level: LevelDebug, JSON: true, Output: out})

	logger.WithComponent("dispatch").Info("command completed",
		"command", "ATTACH",
		"outcome", "ok",
	)

	line := strings.TrimSpace(out.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected JSON record, got %q: %v", line, err)
	}
	if rec["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", rec["component"])
	}
	if rec["command"] != "ATTACH" {
		t.Errorf("command = %v, want ATTACH", rec["command"])
	}
	if rec["msg"] != "command completed" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	out := &syncBuffer{}
	logger := New(Config{Level: LevelError, JSON: true, Output: out})

	logger.Info("should be suppressed")
	logger.Debug("also suppressed")
	if out.String() != "" {
		t.Errorf("expected no output below error level, got %q", out.String())
	}

	logger.Error("kept")
	if !strings.Contains(out.String(), "kept") {
		t.Errorf("expected error record, got %q", out.String())
	}
}

func TestWithErrorField(t *testing.T) {
	out := &syncBuffer{}
	logger := New(Config{Level: LevelInfo, JSON: true, Output: out})

	logger.WithError(errSentinel{}).Error("rule delete failed", "rule", "r1")

	if !strings.Contains(out.String(), "sentinel failure") {
		t.Errorf("expected wrapped error in output, got %q", out.String())
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel failure" }

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
