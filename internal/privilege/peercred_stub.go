// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package privilege

import (
	"net"

	"grimm.is/flyhook/internal/errors"
)

// FromConn is unavailable off Linux; callers without credentials are
// treated as unprivileged.
func FromConn(_ *net.UnixConn) (Identity, error) {
	return Identity{}, errors.New(errors.KindNotSupported, "peer credentials require Linux")
}
