// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteAndRecent(t *testing.T) {
	s := openStore(t)

	base := time.Now().Add(-time.Minute)
	records := []Record{
		{Timestamp: base, Command: "attach", Principal: "root", Outcome: "ok", DurationMs: 3},
		{Timestamp: base.Add(10 * time.Second), Command: "add_rules", Principal: "root", Outcome: "ok", DurationMs: 12},
		{Timestamp: base.Add(20 * time.Second), Command: "delete_resource", Principal: "flyhook-admin", Outcome: "internal", DurationMs: 7},
	}
	for _, r := range records {
		require.NoError(t, s.Write(r))
	}

	got, err := s.Recent(10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "delete_resource", got[0].Command)
	assert.Equal(t, "attach", got[2].Command)
	assert.Equal(t, "flyhook-admin", got[0].Principal)
	assert.EqualValues(t, 12, got[1].DurationMs)

	got, err = s.Recent(10, 0, "add_rules")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "add_rules", got[0].Command)

	got, err = s.Recent(10, 0, "admin")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "delete_resource", got[0].Command)

	got, err = s.Recent(1, 1, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "add_rules", got[0].Command)
}

func TestStoreCleanup(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Write(Record{
		Timestamp: time.Now().Add(-48 * time.Hour),
		Command:   "attach", Principal: "root", Outcome: "ok",
	}))
	require.NoError(t, s.Write(Record{
		Command: "drain", Principal: "root", Outcome: "ok",
	}))

	removed, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	got, err := s.Recent(10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drain", got[0].Command)
}

func TestLoggerPersistsThroughQueue(t *testing.T) {
	s := openStore(t)
	l := NewLogger(s)

	l.RecordCommand("attach", "uid:0", true, "ok", 1500*time.Microsecond)
	l.RecordCommand("cancel", "uid:0", true, "invalid_argument", 200*time.Microsecond)
	l.Close()

	got, err := s.Recent(10, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 0, l.Dropped())
}

func TestLoggerSkipsUnprivileged(t *testing.T) {
	s := openStore(t)
	l := NewLogger(s)

	l.RecordCommand("ping", "uid:1000", false, "ok", time.Millisecond)
	l.Close()

	got, err := s.Recent(10, 0, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoggerWithoutStore(t *testing.T) {
	l := NewLogger(nil)
	l.RecordCommand("attach", "uid:0", true, "ok", time.Millisecond)
	l.Close()

	// Records after Close are discarded, not sent to a closed channel.
	l.RecordCommand("detach", "uid:0", true, "ok", time.Millisecond)
}
