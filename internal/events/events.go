// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events carries lifecycle notifications from the core engines to
// observers: the diagnostics event stream and the audit trail.
package events

import (
	"sync"
	"time"

	"grimm.is/flyhook/internal/logging"
)

// Type names a lifecycle event.
type Type string

const (
	TypeCommandCompleted   Type = "command_completed"
	TypeCommandCancelled   Type = "command_cancel_requested"
	TypeResourceCreated    Type = "resource_created"
	TypeResourceDeleting   Type = "resource_deleting"
	TypeResourceFreed      Type = "resource_freed"
	TypeClientAttached     Type = "client_attached"
	TypeClientDetached     Type = "client_detached"
	TypeRuleInstalled      Type = "rule_installed"
	TypeRuleDeleted        Type = "rule_deleted"
	TypeRuleDeleteFailed   Type = "rule_delete_failed"
	TypeProviderRegistered Type = "provider_registered"
	TypeProviderRundown    Type = "provider_rundown"
	TypeDrainStarted       Type = "drain_started"
	TypeDrainFinished      Type = "drain_finished"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Resource  string         `json:"resource,omitempty"`
	Rule      string         `json:"rule,omitempty"`
	Command   string         `json:"command,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events rather than stalling the engines.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	log *logging.Logger
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  logging.WithComponent("events"),
	}
}

// Publish delivers e to every subscriber. A zero timestamp is stamped here.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("Dropping event for slow subscriber", "subscriber", id, "type", string(e.Type))
		}
	}
}

// Subscribe registers a buffered subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
