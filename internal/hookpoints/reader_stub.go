// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package hookpoints

import (
	"context"

	"grimm.is/flyhook/internal/errors"
)

// queueReader is a stub for non-Linux systems.
type queueReader struct {
	hook *HookPoint
}

func newQueueReader(h *HookPoint) *queueReader {
	return &queueReader{hook: h}
}

func (r *queueReader) start(context.Context) error {
	return errors.New(errors.KindNotSupported, "nfqueue is only supported on Linux")
}

func (r *queueReader) stop() {}
