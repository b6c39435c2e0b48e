// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package filter

import (
	"grimm.is/flyhook/internal/errors"
)

// NewNFT is unavailable off Linux; the sim backend covers development there.
func NewNFT(table string) (Backend, error) {
	return nil, errors.New(errors.KindNotSupported, "nftables backend requires linux")
}
