// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/portal/core/vault"
)

const (
	// ProtocolVersion is the handshake version.
	ProtocolVersion = 1

	// MaxPayloadSize is the largest payload Send accepts.
	MaxPayloadSize = 64 * 1024

	nonceSize   = 32
	headerSize  = 1 + 8
	rekeySize   = 32
	maxFrameLen = headerSize + MaxPayloadSize + vault.Overhead

	transcriptLabel = "portal/channel/v1/transcript"
	i2rLabel        = "portal/channel/v1/i2r"
	r2iLabel        = "portal/channel/v1/r2i"
	rekeyLabel      = "portal/channel/v1/rekey"
	initiatorLabel  = "portal/channel/v1/initiator"
	responderLabel  = "portal/channel/v1/responder"
)

type frameType uint8

const (
	frameIdentify frameType = iota + 1
	frameData
	frameRekey
	frameClose
)

var ccbor cbor.EncMode

type keyExchange struct {
	Version   uint8
	Ephemeral []byte
	Nonce     []byte
}

func (k *keyExchange) valid() bool {
	return k.Version == ProtocolVersion && len(k.Ephemeral) == vault.ExchangeKeySize && len(k.Nonce) == nonceSize
}

type identifyMessage struct {
	History    []byte
	Signature  []byte
	Credential []byte `cbor:",omitempty"`
}

func transcriptHash(initiatorKE, responderKE []byte) []byte {
	b := make([]byte, 0, len(transcriptLabel)+len(initiatorKE)+len(responderKE))
	b = append(b, transcriptLabel...)
	b = append(b, initiatorKE...)
	b = append(b, responderKE...)
	sum := hash.Sum256(b)
	return sum[:]
}

func signedTranscript(label string, transcript []byte) []byte {
	return append([]byte(label), transcript...)
}

func frameHeader(t frameType, seq uint64) []byte {
	var h [headerSize]byte
	h[0] = byte(t)
	binary.BigEndian.PutUint64(h[1:], seq)
	return h[:]
}

func parseHeader(b []byte) (frameType, uint64, bool) {
	if len(b) < headerSize+vault.Overhead || len(b) > maxFrameLen {
		return 0, 0, false
	}
	return frameType(b[0]), binary.BigEndian.Uint64(b[1:headerSize]), true
}

func frameNonce(seq uint64) []byte {
	var n [vault.NonceSize]byte
	binary.BigEndian.PutUint64(n[vault.NonceSize-8:], seq)
	return n[:]
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
