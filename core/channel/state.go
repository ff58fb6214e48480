// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import "fmt"

// State is the state of a Session.
type State uint32

const (
	StateIdle State = iota
	StateKeyExchangeSent
	StateKeyExchangeReceived
	StateCredentialExchange
	StateEstablished
	StateClosed
	StateFailed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyExchangeSent:
		return "key_exchange_sent"
	case StateKeyExchangeReceived:
		return "key_exchange_received"
	case StateCredentialExchange:
		return "credential_exchange"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint32(s))
	}
}

// IsTerminal returns true for Closed and Failed.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}
