// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"sync"
	"time"

	"grimm.is/flyhook/internal/logging"
)

// Config controls the audit trail.
type Config struct {
	// Path of the SQLite database. Empty disables persistence; commands
	// are still mirrored to the structured log.
	Path string `hcl:"path,optional" json:"path,omitempty"`

	// RetentionDays prunes older records on startup. Zero keeps
	// everything.
	// @default: 90
	RetentionDays int `hcl:"retention_days,optional" json:"retention_days,omitempty"`
}

// DefaultConfig returns the audit defaults.
func DefaultConfig() Config {
	return Config{RetentionDays: 90}
}

const queueSize = 256

// Logger records privileged commands off the completion path. Records pass
// through a bounded queue to a single writer goroutine; when the queue is
// full the record is dropped and counted rather than stalling a command
// completion.
type Logger struct {
	store *Store
	log   *logging.Logger

	queue chan Record
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewLogger starts the writer. store may be nil for log-only auditing.
func NewLogger(store *Store) *Logger {
	l := &Logger{
		store: store,
		log:   logging.WithComponent("audit"),
		queue: make(chan Record, queueSize),
	}
	l.wg.Add(1)
	go l.writer()
	return l
}

// RecordCommand implements the dispatcher's audit hook.
func (l *Logger) RecordCommand(name, principal string, privileged bool, outcome string, duration time.Duration) {
	if !privileged {
		return
	}
	r := Record{
		Timestamp:  time.Now(),
		Command:    name,
		Principal:  principal,
		Outcome:    outcome,
		DurationMs: duration.Milliseconds(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	select {
	case l.queue <- r:
	default:
		l.dropped++
	}
	l.mu.Unlock()
}

// Dropped returns how many records were lost to a full queue.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains the queue and stops the writer. Records arriving after
// Close are discarded.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	l.wg.Wait()
}

func (l *Logger) writer() {
	defer l.wg.Done()
	for r := range l.queue {
		l.log.Info("AUDIT",
			"command", r.Command,
			"principal", r.Principal,
			"outcome", r.Outcome,
			"duration_ms", r.DurationMs,
		)
		if l.store == nil {
			continue
		}
		if err := l.store.Write(r); err != nil {
			l.log.WithError(err).Error("Failed to persist audit record", "command", r.Command)
		}
	}
}
