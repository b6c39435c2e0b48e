// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit keeps the trail of privileged commands: who ran what, with
// which outcome, persisted to SQLite and mirrored to the structured log.
package audit

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/flyhook/internal/errors"
)

// Record is one audited command.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	Command    string    `json:"command"`
	Principal  string    `json:"principal"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
}

// Store persists audit records to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the audit database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "open audit db %s", path)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "init audit schema")
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL, -- Unix timestamp
		command TEXT NOT NULL,
		principal TEXT NOT NULL,
		outcome TEXT NOT NULL,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON command_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_principal ON command_audit(principal);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write persists a single record.
func (s *Store) Write(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO command_audit (timestamp, command, principal, outcome, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`,
		r.Timestamp.Unix(),
		r.Command,
		r.Principal,
		r.Outcome,
		r.DurationMs,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "write audit record")
	}
	return nil
}

// Recent returns records newest first, optionally filtered by a substring
// of the command name or principal.
func (s *Store) Recent(limit, offset int, search string) ([]Record, error) {
	query := `
		SELECT timestamp, command, principal, outcome, duration_ms
		FROM command_audit
	`
	var args []any

	if search != "" {
		query += " WHERE command LIKE ? OR principal LIKE ?"
		pattern := "%" + search + "%"
		args = append(args, pattern, pattern)
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query audit records")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&ts, &r.Command, &r.Principal, &r.Outcome, &r.DurationMs); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan audit record")
		}
		r.Timestamp = time.Unix(ts, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup removes records older than the retention period.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.db.Exec("DELETE FROM command_audit WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "prune audit records")
	}
	return result.RowsAffected()
}
