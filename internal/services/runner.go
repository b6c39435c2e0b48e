// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package services

import (
	"context"
	"sync"

	"grimm.is/flyhook/internal/logging"
)

// Runner starts services in registration order and stops them in reverse.
// Registration order is therefore dependency order: a service may rely on
// everything registered before it.
type Runner struct {
	log *logging.Logger

	mu      sync.Mutex
	svcs    []Service
	started []Service
}

// NewRunner returns an empty runner.
func NewRunner() *Runner {
	return &Runner{log: logging.WithComponent("services")}
}

// Register adds a service. Services registered after StartAll are not
// started retroactively.
func (r *Runner) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.svcs = append(r.svcs, svc)
}

// StartAll starts every registered service in order. On failure the
// services already running are stopped in reverse and the error returns
// to the caller.
func (r *Runner) StartAll(ctx context.Context) error {
	r.mu.Lock()
	svcs := make([]Service, len(r.svcs))
	copy(svcs, r.svcs)
	r.mu.Unlock()

	for _, svc := range svcs {
		if err := svc.Start(ctx); err != nil {
			r.log.WithError(err).Error("Service failed to start", "service", svc.Name())
			r.StopAll(ctx)
			return err
		}
		r.log.Info("Service started", "service", svc.Name())

		r.mu.Lock()
		r.started = append(r.started, svc)
		r.mu.Unlock()
	}
	return nil
}

// StopAll stops running services in reverse start order. Every service is
// stopped even when an earlier one fails; the first error is returned.
func (r *Runner) StopAll(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		if err := svc.Stop(ctx); err != nil {
			r.log.WithError(err).Warn("Service failed to stop", "service", svc.Name())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.log.Info("Service stopped", "service", svc.Name())
	}
	return firstErr
}

// Statuses reports every registered service in registration order.
func (r *Runner) Statuses() []ServiceStatus {
	r.mu.Lock()
	svcs := make([]Service, len(r.svcs))
	copy(svcs, r.svcs)
	r.mu.Unlock()

	out := make([]ServiceStatus, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, svc.Status())
	}
	return out
}
