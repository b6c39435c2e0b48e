// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package services defines the lifecycle contract the daemon's long-running
// subsystems present, and a runner that drives them as an ordered group.
package services

import (
	"context"
	"sync"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Service defines the standard lifecycle methods for all services.
type Service interface {
	// Name returns the unique name of the service.
	Name() string

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop(ctx context.Context) error

	// Status returns the current status of the service.
	Status() ServiceStatus
}

// Adapter lifts a pair of start/stop functions into a Service. Subsystems
// with their own lifecycle signatures wrap themselves in one of these
// instead of implementing the interface directly.
type Adapter struct {
	ServiceName string
	StartFn     func(ctx context.Context) error
	StopFn      func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	lastErr string
}

// Name implements Service.
func (a *Adapter) Name() string { return a.ServiceName }

// Start implements Service.
func (a *Adapter) Start(ctx context.Context) error {
	var err error
	if a.StartFn != nil {
		err = a.StartFn(ctx)
	}

	a.mu.Lock()
	a.running = err == nil
	a.lastErr = ""
	if err != nil {
		a.lastErr = err.Error()
	}
	a.mu.Unlock()
	return err
}

// Stop implements Service.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	if a.StopFn != nil {
		err = a.StopFn(ctx)
	}

	a.mu.Lock()
	a.running = false
	if err != nil {
		a.lastErr = err.Error()
	}
	a.mu.Unlock()
	return err
}

// Status implements Service.
func (a *Adapter) Status() ServiceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ServiceStatus{Name: a.ServiceName, Running: a.running, Error: a.lastErr}
}
