// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build linux

package vault

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockedBuffer holds key material outside the Go heap, in an anonymous
// mapping excluded from core dumps and, where RLIMIT_MEMLOCK allows,
// locked against swap.
type lockedBuffer struct {
	data   []byte
	locked bool
}

func newLockedBuffer(src []byte) (*lockedBuffer, error) {
	if len(src) == 0 {
		return nil, ErrInvalidKeyMaterial
	}
	data, err := unix.Mmap(-1, 0, len(src), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vault: mmap failed: %w", err)
	}
	b := &lockedBuffer{data: data}
	b.locked = unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	copy(b.data, src)
	wipe(src)
	return b, nil
}

func (b *lockedBuffer) Bytes() []byte {
	return b.data
}

func (b *lockedBuffer) Destroy() {
	if b.data == nil {
		return
	}
	wipe(b.data)
	if b.locked {
		_ = unix.Munlock(b.data)
	}
	_ = unix.Munmap(b.data)
	b.data = nil
}
