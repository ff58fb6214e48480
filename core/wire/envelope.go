// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the link protocol spoken between nodes and
// relays.  A link multiplexes circuits; each Envelope names the circuit
// it belongs to by a link local identifier.  Envelope payloads are opaque
// to the link: on circuits they carry secure channel messages.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxEnvelopeSize bounds an encoded envelope.
	MaxEnvelopeSize = 128 * 1024

	// MaxRouteLength bounds the number of hops in a route.
	MaxRouteLength = 16

	// MaxNameLength bounds registered names and route elements.
	MaxNameLength = 255
)

// Type is the type of an Envelope.
type Type uint8

const (
	// TypeRegister asks a relay to forward circuits for Name to the link.
	TypeRegister Type = iota + 1

	// TypeRegistered acknowledges a TypeRegister.
	TypeRegistered

	// TypeOpen opens Circuit towards Route.
	TypeOpen

	// TypeData carries Payload on Circuit.
	TypeData

	// TypeClose tears Circuit down.
	TypeClose

	// TypeError rejects a request, with the reason in Name.
	TypeError

	// TypeCredit allows the peer to send Window more TypeData envelopes
	// on Circuit.
	TypeCredit
)

// String returns the name of the type.
func (t Type) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypeRegistered:
		return "registered"
	case TypeOpen:
		return "open"
	case TypeData:
		return "data"
	case TypeClose:
		return "close"
	case TypeError:
		return "error"
	case TypeCredit:
		return "credit"
	default:
		return fmt.Sprintf("[unknown type: %d]", uint8(t))
	}
}

var (
	// ErrMalformedEnvelope is returned for envelopes that fail to decode
	// or validate.
	ErrMalformedEnvelope = errors.New("wire: malformed envelope")

	// ErrEnvelopeTooLarge is returned for oversized envelopes.
	ErrEnvelopeTooLarge = errors.New("wire: envelope too large")

	encMode cbor.EncMode
)

// Envelope is the unit of the link protocol.
type Envelope struct {
	Type    Type
	Circuit uint64   `cbor:",omitempty"`
	Route   []string `cbor:",omitempty"`
	Name    string   `cbor:",omitempty"`
	Payload []byte   `cbor:",omitempty"`
	Window  uint32   `cbor:",omitempty"`
}

// Validate checks the fields required by the envelope type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if !validName(e.Name) {
			return fmt.Errorf("%w: invalid name", ErrMalformedEnvelope)
		}
	case TypeRegistered, TypeError:
	case TypeOpen:
		if e.Circuit == 0 || len(e.Route) == 0 || len(e.Route) > MaxRouteLength {
			return fmt.Errorf("%w: invalid open", ErrMalformedEnvelope)
		}
		for _, hop := range e.Route {
			if !validName(hop) {
				return fmt.Errorf("%w: invalid route", ErrMalformedEnvelope)
			}
		}
	case TypeData, TypeClose:
		if e.Circuit == 0 {
			return fmt.Errorf("%w: missing circuit", ErrMalformedEnvelope)
		}
	case TypeCredit:
		if e.Circuit == 0 || e.Window == 0 {
			return fmt.Errorf("%w: invalid credit", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedEnvelope, e.Type)
	}
	return nil
}

func validName(s string) bool {
	return len(s) > 0 && len(s) <= MaxNameLength
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	return b, nil
}

// ParseEnvelope decodes and validates an envelope.
func ParseEnvelope(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
