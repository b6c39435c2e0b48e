// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package privilege

import (
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/flyhook/internal/errors"
)

// FromConn reads the peer's credentials off a unix-socket connection.
func FromConn(conn *net.UnixConn) (Identity, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Identity{}, errors.Wrap(err, errors.KindInternal, "peer credentials")
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Identity{}, errors.Wrap(err, errors.KindInternal, "peer credentials")
	}
	if credErr != nil {
		return Identity{}, errors.Wrap(credErr, errors.KindInternal, "peer credentials")
	}
	return Identity{UID: cred.Uid, GID: cred.Gid}, nil
}
