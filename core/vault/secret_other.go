// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !linux

package vault

type lockedBuffer struct {
	data []byte
}

func newLockedBuffer(src []byte) (*lockedBuffer, error) {
	if len(src) == 0 {
		return nil, ErrInvalidKeyMaterial
	}
	b := &lockedBuffer{data: make([]byte, len(src))}
	copy(b.data, src)
	wipe(src)
	return b, nil
}

func (b *lockedBuffer) Bytes() []byte {
	return b.data
}

func (b *lockedBuffer) Destroy() {
	wipe(b.data)
	b.data = nil
}
