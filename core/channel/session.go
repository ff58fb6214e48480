// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements the secure channel protocol: an ephemeral
// X25519 key exchange bound into a transcript hash, mutual authentication
// of long term identities and optional credentials, and a framed,
// strictly ordered, rekeyable encrypted transport on top.
package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/portal/core/credential"
	"github.com/katzenpost/portal/core/identity"
	"github.com/katzenpost/portal/core/log"
	"github.com/katzenpost/portal/core/vault"
)

const (
	// DefaultHandshakeTimeout is used when Config.HandshakeTimeout is 0.
	DefaultHandshakeTimeout = 10 * time.Second

	closeTimeout = time.Second
)

// Transport carries whole handshake messages and frames between the two
// ends of a session.  Close must unblock pending Send and Recv calls.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Config is the configuration of one end of a session.
type Config struct {
	// Vault holds every key the session uses.
	Vault vault.Vault

	// Identities signs with Identity and verifies peer histories.
	Identities *identity.Manager

	// Identity is the local identity.
	Identity *identity.Identity

	// Credential, if set, is presented to the peer.
	Credential *credential.Credential

	// Verifier and Trusted check peer credentials.  If Verifier is nil
	// peer credentials are ignored.
	Verifier *credential.Verifier
	Trusted  credential.TrustedIssuers

	// Authorizer, if set, must accept the peer identifier.
	Authorizer func(identity.Identifier) bool

	// HandshakeTimeout bounds the handshake.
	HandshakeTimeout time.Duration

	// RekeyMessages and RekeyInterval trigger a rekey of the sending
	// direction.  Zero disables the trigger.
	RekeyMessages uint64
	RekeyInterval time.Duration

	Log *logging.Logger
}

func (c *Config) validate() error {
	if c.Vault == nil || c.Identities == nil || c.Identity == nil || !c.Identity.IsLocal() {
		return errors.New("channel: incomplete config")
	}
	return nil
}

// Session is one end of a secure channel.
type Session struct {
	state uint32

	cfg         *Config
	log         *logging.Logger
	t           Transport
	isInitiator bool

	transcript     []byte
	peer           *identity.Identity
	peerCredential *credential.Credential
	peerAttrs      map[string]string

	txLock       sync.Mutex
	txKey        vault.Handle
	txSeq        uint64
	txSinceRekey uint64
	txRekeyAt    time.Time
	txRekeys     uint64

	rxLock   sync.Mutex
	rxKey    vault.Handle
	rxSeq    uint64
	rxRekeys uint64

	lastActivity int64
	closeOnce    sync.Once
}

// Initiate runs the initiator side of the handshake over t.  On failure t
// is closed and the returned error is a *HandshakeError.
func Initiate(ctx context.Context, cfg *Config, t Transport) (*Session, error) {
	return handshake(ctx, cfg, t, true)
}

// Respond runs the responder side of the handshake over t.
func Respond(ctx context.Context, cfg *Config, t Transport) (*Session, error) {
	return handshake(ctx, cfg, t, false)
}

func handshake(ctx context.Context, cfg *Config, t Transport, isInitiator bool) (*Session, error) {
	if err := cfg.validate(); err != nil {
		t.Close()
		return nil, err
	}
	s := &Session{
		cfg:         cfg,
		log:         cfg.Log,
		t:           t,
		isInitiator: isInitiator,
		peerAttrs:   make(map[string]string),
	}
	if s.log == nil {
		s.log = log.NewDiscard().GetLogger("channel")
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.doHandshake(hctx); err != nil {
		herr := &HandshakeError{
			State:           s.State(),
			IsInitiator:     isInitiator,
			Timeout:         errors.Is(hctx.Err(), context.DeadlineExceeded),
			UnderlyingError: err,
		}
		if s.peer != nil {
			herr.Peer = s.peer.Identifier
		}
		s.log.Debugf("%s", herr.Verbose())
		s.teardown(StateFailed)
		return nil, herr
	}

	s.touch()
	s.txRekeyAt = time.Now()
	s.setState(StateEstablished)
	s.log.Debugf("Session established with %v (initiator: %v).", s.peer.Identifier, isInitiator)
	return s, nil
}

func (s *Session) doHandshake(ctx context.Context) error {
	v := s.cfg.Vault

	eph, err := v.GenerateSecret(vault.Attributes{Kind: vault.KindExchange})
	if err != nil {
		return err
	}
	defer v.DeleteSecret(eph)

	ephPub, err := v.PublicKey(eph)
	if err != nil {
		return err
	}
	ke := &keyExchange{
		Version:   ProtocolVersion,
		Ephemeral: ephPub,
		Nonce:     make([]byte, nonceSize),
	}
	if _, err := io.ReadFull(rand.Reader, ke.Nonce); err != nil {
		return err
	}
	keBytes, err := ccbor.Marshal(ke)
	if err != nil {
		return err
	}

	var peerKEBytes []byte
	if s.isInitiator {
		if err := s.t.Send(ctx, keBytes); err != nil {
			return err
		}
		s.setState(StateKeyExchangeSent)
		if peerKEBytes, err = s.t.Recv(ctx); err != nil {
			return err
		}
	} else {
		if peerKEBytes, err = s.t.Recv(ctx); err != nil {
			return err
		}
		if err := s.t.Send(ctx, keBytes); err != nil {
			return err
		}
	}

	peerKE := new(keyExchange)
	if err := cbor.Unmarshal(peerKEBytes, peerKE); err != nil || !peerKE.valid() {
		return errMalformed
	}
	if bytes.Equal(peerKE.Ephemeral, ke.Ephemeral) || bytes.Equal(peerKE.Nonce, ke.Nonce) {
		return errMalformed
	}
	s.setState(StateKeyExchangeReceived)

	if s.isInitiator {
		s.transcript = transcriptHash(keBytes, peerKEBytes)
	} else {
		s.transcript = transcriptHash(peerKEBytes, keBytes)
	}
	if err := s.deriveKeys(eph, peerKE.Ephemeral); err != nil {
		return err
	}

	s.setState(StateCredentialExchange)
	if s.isInitiator {
		if err := s.sendIdentify(ctx); err != nil {
			return err
		}
		return s.recvIdentify(ctx)
	}
	if err := s.recvIdentify(ctx); err != nil {
		return err
	}
	return s.sendIdentify(ctx)
}

func (s *Session) deriveKeys(eph vault.Handle, peerEphemeral []byte) error {
	v := s.cfg.Vault
	shared, err := v.DH(eph, peerEphemeral)
	if err != nil {
		return err
	}
	defer v.DeleteSecret(shared)

	i2r, err := v.DeriveKey(shared, s.transcript, []byte(i2rLabel))
	if err != nil {
		return err
	}
	r2i, err := v.DeriveKey(shared, s.transcript, []byte(r2iLabel))
	if err != nil {
		v.DeleteSecret(i2r)
		return err
	}

	s.txLock.Lock()
	s.rxLock.Lock()
	if s.isInitiator {
		s.txKey, s.rxKey = i2r, r2i
	} else {
		s.txKey, s.rxKey = r2i, i2r
	}
	s.rxLock.Unlock()
	s.txLock.Unlock()
	return nil
}

func (s *Session) sendIdentify(ctx context.Context) error {
	history, err := s.cfg.Identity.Export()
	if err != nil {
		return err
	}
	label := responderLabel
	if s.isInitiator {
		label = initiatorLabel
	}
	sig, err := s.cfg.Identities.Sign(s.cfg.Identity, signedTranscript(label, s.transcript))
	if err != nil {
		return err
	}
	msg := &identifyMessage{
		History:   history,
		Signature: sig,
	}
	if s.cfg.Credential != nil {
		if msg.Credential, err = s.cfg.Credential.Marshal(); err != nil {
			return err
		}
	}
	b, err := ccbor.Marshal(msg)
	if err != nil {
		return err
	}

	s.txLock.Lock()
	defer s.txLock.Unlock()
	return s.sealAndSendLocked(ctx, frameIdentify, b)
}

func (s *Session) recvIdentify(ctx context.Context) error {
	b, err := s.t.Recv(ctx)
	if err != nil {
		return err
	}

	s.rxLock.Lock()
	ft, pt, err := s.openLocked(b)
	s.rxLock.Unlock()
	if err != nil {
		return err
	}
	if ft != frameIdentify {
		return errMalformed
	}

	msg := new(identifyMessage)
	if err := cbor.Unmarshal(pt, msg); err != nil {
		return errMalformed
	}
	history, err := identity.ParseHistory(msg.History)
	if err != nil {
		return err
	}
	peer, err := s.cfg.Identities.FromHistory(history)
	if err != nil {
		return err
	}
	s.peer = peer

	label := initiatorLabel
	if s.isInitiator {
		label = responderLabel
	}
	if !s.cfg.Identities.Verify(peer, signedTranscript(label, s.transcript), msg.Signature) {
		return errors.New("bad transcript signature")
	}
	if s.cfg.Authorizer != nil && !s.cfg.Authorizer(peer.Identifier) {
		return errUnauthorized
	}

	if len(msg.Credential) == 0 || s.cfg.Verifier == nil {
		return nil
	}
	c, err := credential.Parse(msg.Credential)
	if err != nil {
		return err
	}
	if c.Subject != peer.Identifier {
		return errors.New("credential subject mismatch")
	}
	attrs, err := s.cfg.Verifier.Verify(c, s.cfg.Trusted)
	if err != nil {
		return err
	}
	s.peerCredential = c
	s.peerAttrs = attrs
	return nil
}

func (s *Session) setState(st State) {
	atomic.StoreUint32(&s.state, uint32(st))
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// State returns the current state.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// IsInitiator returns true for the initiating end.
func (s *Session) IsInitiator() bool {
	return s.isInitiator
}

// Peer returns the verified peer identity.
func (s *Session) Peer() *identity.Identity {
	return s.peer
}

// PeerIdentifier returns the verified peer identifier.
func (s *Session) PeerIdentifier() identity.Identifier {
	return s.peer.Identifier
}

// PeerCredential returns the peer's verified credential, if any.
func (s *Session) PeerCredential() *credential.Credential {
	return s.peerCredential
}

// PeerAttributes returns a copy of the attributes of the peer's verified
// credential.  It is empty if the peer presented none.
func (s *Session) PeerAttributes() map[string]string {
	m := make(map[string]string, len(s.peerAttrs))
	for k, v := range s.peerAttrs {
		m[k] = v
	}
	return m
}

// LastActivity returns when a frame was last sent or received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// Rekeys returns how many times each direction has been rekeyed.
func (s *Session) Rekeys() (tx, rx uint64) {
	s.txLock.Lock()
	tx = s.txRekeys
	s.txLock.Unlock()
	s.rxLock.Lock()
	rx = s.rxRekeys
	s.rxLock.Unlock()
	return
}

func (s *Session) sealAndSendLocked(ctx context.Context, ft frameType, payload []byte) error {
	if s.txKey == "" {
		return ErrNotEstablished
	}
	if s.txSeq == math.MaxUint64 {
		return errors.New("sequence space exhausted")
	}
	hdr := frameHeader(ft, s.txSeq)
	ct, err := s.cfg.Vault.Encrypt(s.txKey, frameNonce(s.txSeq), hdr, payload)
	if err != nil {
		return err
	}
	if err := s.t.Send(ctx, append(hdr, ct...)); err != nil {
		return err
	}
	s.txSeq++
	s.txSinceRekey++
	s.touch()
	return nil
}

// openLocked checks and decrypts one frame.  The receive sequence only
// advances when the frame authenticates.
func (s *Session) openLocked(b []byte) (frameType, []byte, error) {
	ft, seq, ok := parseHeader(b)
	if !ok {
		return 0, nil, errMalformed
	}
	if seq != s.rxSeq {
		return 0, nil, ErrReplayOrOutOfOrder
	}
	if s.rxKey == "" {
		return 0, nil, ErrNotEstablished
	}
	pt, err := s.cfg.Vault.Decrypt(s.rxKey, frameNonce(seq), b[:headerSize], b[headerSize:])
	if err != nil {
		return 0, nil, err
	}
	s.rxSeq++
	s.touch()
	return ft, pt, nil
}

func (s *Session) needRekeyLocked() bool {
	if s.cfg.RekeyMessages > 0 && s.txSinceRekey >= s.cfg.RekeyMessages {
		return true
	}
	return s.cfg.RekeyInterval > 0 && time.Since(s.txRekeyAt) >= s.cfg.RekeyInterval
}

func (s *Session) rekeyLocked(ctx context.Context) error {
	fresh := make([]byte, rekeySize)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return err
	}
	next, err := s.cfg.Vault.DeriveKey(s.txKey, fresh, []byte(rekeyLabel))
	if err != nil {
		return err
	}
	if err := s.sealAndSendLocked(ctx, frameRekey, fresh); err != nil {
		s.cfg.Vault.DeleteSecret(next)
		return err
	}
	old := s.txKey
	s.txKey = next
	s.cfg.Vault.DeleteSecret(old)

	s.txSinceRekey = 0
	s.txRekeyAt = time.Now()
	s.txRekeys++
	s.log.Debugf("Rekeyed send direction (%d).", s.txRekeys)
	return nil
}

// Rekey forces a rekey of the sending direction.
func (s *Session) Rekey(ctx context.Context) error {
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}
	s.txLock.Lock()
	err := s.rekeyLocked(ctx)
	s.txLock.Unlock()
	return s.checkErr(ctx, err)
}

// Send encrypts and sends one message.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrMessageTooLarge
	}
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}

	s.txLock.Lock()
	var err error
	if s.needRekeyLocked() {
		err = s.rekeyLocked(ctx)
	}
	if err == nil {
		err = s.sealAndSendLocked(ctx, frameData, payload)
	}
	s.txLock.Unlock()
	return s.checkErr(ctx, err)
}

// Recv returns the next message.  io.EOF is returned once the peer has
// closed the session.  ErrReplayOrOutOfOrder leaves the session usable.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	switch s.State() {
	case StateEstablished:
	case StateClosed:
		return nil, io.EOF
	default:
		return nil, ErrNotEstablished
	}

	b, err := s.recv(ctx)
	if err == io.EOF {
		s.teardown(StateClosed)
		return nil, io.EOF
	}
	return b, s.checkErr(ctx, err)
}

func (s *Session) recv(ctx context.Context) ([]byte, error) {
	s.rxLock.Lock()
	defer s.rxLock.Unlock()

	for {
		b, err := s.t.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, io.EOF
		}
		ft, pt, err := s.openLocked(b)
		if err != nil {
			return nil, err
		}

		switch ft {
		case frameData:
			return pt, nil
		case frameClose:
			return nil, io.EOF
		case frameRekey:
			if len(pt) != rekeySize {
				return nil, errMalformed
			}
			next, err := s.cfg.Vault.DeriveKey(s.rxKey, pt, []byte(rekeyLabel))
			if err != nil {
				return nil, err
			}
			old := s.rxKey
			s.rxKey = next
			s.cfg.Vault.DeleteSecret(old)
			s.rxRekeys++
		default:
			return nil, errMalformed
		}
	}
}

// checkErr maps an error from the data path onto what callers see,
// tearing the session down when it is no longer usable.
func (s *Session) checkErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrReplayOrOutOfOrder), errors.Is(err, ErrNotEstablished):
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	}
	if s.State().IsTerminal() {
		return io.EOF
	}
	s.log.Debugf("Session with %v failed: %v", s.peer.Identifier, err)
	s.teardown(StateFailed)
	return ErrChannelFailed
}

// Close sends a close frame if possible and tears the session down.
func (s *Session) Close() error {
	if s.State() == StateEstablished && s.txLock.TryLock() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = s.sealAndSendLocked(ctx, frameClose, nil)
		cancel()
		s.txLock.Unlock()
	}
	s.teardown(StateClosed)
	return nil
}

func (s *Session) teardown(st State) {
	s.closeOnce.Do(func() {
		s.setState(st)
		s.t.Close()

		s.txLock.Lock()
		if s.txKey != "" {
			s.cfg.Vault.DeleteSecret(s.txKey)
			s.txKey = ""
		}
		s.txLock.Unlock()

		s.rxLock.Lock()
		if s.rxKey != "" {
			s.cfg.Vault.DeleteSecret(s.rxKey)
			s.rxKey = ""
		}
		s.rxLock.Unlock()
	})
}
