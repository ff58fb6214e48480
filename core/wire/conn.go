// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultPreambleTimeout bounds how long Server waits for the dialer.
	DefaultPreambleTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single envelope write.
	DefaultWriteTimeout = 30 * time.Second
)

var (
	preamble = []byte("portal/1")

	// ErrInvalidPreamble is returned when the dialer does not speak the
	// link protocol.
	ErrInvalidPreamble = errors.New("wire: invalid preamble")

	// ErrRegistrationRejected is returned when a relay refuses a name.
	ErrRegistrationRejected = errors.New("wire: registration rejected")
)

// Conn is a link: a stream connection carrying length prefixed
// envelopes.  Write may be called concurrently; Read must only be called
// from one goroutine.
type Conn struct {
	conn net.Conn

	wLock        sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
}

// Client wraps the dialing side of a link.
func Client(c net.Conn) (*Conn, error) {
	lc := newConn(c)
	lc.wLock.Lock()
	defer lc.wLock.Unlock()
	if err := lc.writeLocked(preamble); err != nil {
		c.Close()
		return nil, err
	}
	return lc, nil
}

// Server wraps the accepting side of a link, waiting for the preamble.
func Server(c net.Conn, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultPreambleTimeout
	}
	c.SetReadDeadline(time.Now().Add(timeout))
	b := make([]byte, len(preamble))
	if _, err := io.ReadFull(c, b); err != nil {
		c.Close()
		return nil, err
	}
	c.SetReadDeadline(time.Time{})
	if !bytes.Equal(b, preamble) {
		c.Close()
		return nil, ErrInvalidPreamble
	}
	return newConn(c), nil
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		conn:         c,
		writeTimeout: DefaultWriteTimeout,
	}
}

func (c *Conn) writeLocked(b []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err := c.conn.Write(b)
	return err
}

// Write sends one envelope.
func (c *Conn) Write(e *Envelope) error {
	b, err := e.Marshal()
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)

	c.wLock.Lock()
	defer c.wLock.Unlock()
	return c.writeLocked(frame)
}

// Read receives one envelope.
func (c *Conn) Read() (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		return nil, err
	}
	return ParseEnvelope(b)
}

// Register asks the relay at the other end of the link to forward
// circuits addressed to name over this link.  It must be called before
// the link's reader is started.
func (c *Conn) Register(name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPreambleTimeout
	}
	if err := c.Write(&Envelope{Type: TypeRegister, Name: name}); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	e, err := c.Read()
	if err != nil {
		return err
	}
	switch e.Type {
	case TypeRegistered:
		return nil
	case TypeError:
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, e.Name)
	default:
		return fmt.Errorf("%w: unexpected %v", ErrMalformedEnvelope, e.Type)
	}
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the link.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
