// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/tlsreactor/tlsreactor/buffer"
)

// Role identifies which side of the handshake an engine plays.
type Role int

const (
	Client Role = iota
	Server
)

// record types for the FakeEngine's wire format. This is not TLS; it
// is a minimal, deliberately non-cryptographic stand-in so the session
// core's state machine can be driven and tested without a real TLS
// library wired in. Real deployments plug in a genuine TLS primitive
// behind the same Engine interface (see spec: "the core does not
// implement cryptography").
const (
	recClientHello byte = iota + 1
	recServerHello
	recFinished
	recAppData
	recCloseNotify
)

const headerSize = 3 // 1 byte type + 2 byte big-endian length

type fakeStep int

const (
	stepSendClientHello fakeStep = iota
	stepAwaitClientHello
	stepSendServerHello
	stepAwaitServerHello
	stepServerTask
	stepClientTask
	stepSendFinished
	stepAwaitFinished
	stepDone
)

// FakeEngine implements Engine with a tiny two-round handshake and an
// XOR stream cipher keyed off nonces exchanged during that handshake.
// It exists to exercise the handshake/data-phase drivers end to end --
// including short reads, a delegated task, and graceful close -- the
// same role a mock SSLEngine would play in a JVM test suite.
type FakeEngine struct {
	role             Role
	requireTask      bool
	packetBufferSize int

	mu             sync.Mutex
	step           fakeStep
	done           bool
	localNonce     []byte
	peerNonce      []byte
	key            []byte
	pendingTask    *fakeTask
	outboundClosed bool
	outboundDone   bool
	inboundClosed  bool
}

// NewFakeEngine constructs a FakeEngine for the given role. When
// requireTask is true, the engine suspends for one delegated task
// during the handshake: a server after sending its hello, a client
// after receiving the server's. A server with requireTask also flags
// the requirement in its hello, so its client peer suspends for a
// task as well.
func NewFakeEngine(role Role, requireTask bool, packetBufferSize int) *FakeEngine {
	return &FakeEngine{
		role:             role,
		requireTask:      requireTask,
		packetBufferSize: packetBufferSize,
	}
}

func (e *FakeEngine) PacketBufferSize() int { return e.packetBufferSize }

func (e *FakeEngine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("engine: generating nonce: %w", err)
	}
	e.localNonce = nonce
	e.done = false
	if e.role == Client {
		e.step = stepSendClientHello
	} else {
		e.step = stepAwaitClientHello
	}
	return nil
}

func (e *FakeEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeStatusLocked()
}

func (e *FakeEngine) handshakeStatusLocked() HandshakeStatus {
	if e.done {
		return NotHandshaking
	}
	switch e.step {
	case stepSendClientHello, stepSendServerHello, stepSendFinished:
		return NeedWrap
	case stepAwaitClientHello, stepAwaitServerHello, stepAwaitFinished:
		return NeedUnwrap
	case stepServerTask, stepClientTask:
		return NeedTask
	case stepDone:
		return Finished
	default:
		return NotHandshaking
	}
}

func (e *FakeEngine) TakeDelegatedTask() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.pendingTask
	e.pendingTask = nil
	if t == nil {
		return nil
	}
	return t
}

// fakeTask advances the handshake past its delegated-task step; the
// shared key was already derived when the hello was unwrapped. It runs
// off the I/O thread (per the session controller's executor) and reports
// completion back to the engine under lock so HandshakeStatus
// reflects the new step the next time it's queried.
type fakeTask struct {
	e *FakeEngine
}

func (t *fakeTask) Run() error {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	// Stands in for expensive, CPU-bound verification work (certificate
	// chain validation, signature checks) that a real engine would
	// offload here; the shared key itself is already known from the
	// exchanged nonces.
	if t.e.role == Server {
		t.e.step = stepAwaitFinished
	} else {
		t.e.step = stepSendFinished
	}
	return nil
}

// deriveKey runs the two exchanged nonces (client's first, then the
// server's) through HKDF-SHA256, the
// same key-schedule primitive a real TLS 1.3 implementation uses to
// turn a shared secret into traffic keys, even though everything
// around it here is a fake handshake. The fake session cipher itself
// is a simple XOR stream, but the key it's keyed with is real output
// from a real KDF rather than an ad hoc mix of the nonces.
func deriveKey(a, b []byte) []byte {
	secret := append(append([]byte{}, a...), b...)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("tlsreactor fake-engine traffic key"))
	key := make([]byte, len(a))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF-Expand only fails when the requested length exceeds
		// 255*hash size; a nonce-length key never comes close.
		panic(fmt.Sprintf("engine: hkdf expand: %v", err))
	}
	return key
}

func xorStream(key, data []byte) {
	if len(key) == 0 {
		return
	}
	for i := range data {
		data[i] ^= key[i%len(key)]
	}
}

// writeRecord writes a header+payload record into dst, returning the
// number of bytes produced, or ok=false if dst doesn't have room (an
// invariant violation given the buffer triad is sized to the packet
// size).
func writeRecord(dst *buffer.Buffer, typ byte, payload []byte) (int, bool) {
	total := headerSize + len(payload)
	if dst.Remaining() < total {
		return 0, false
	}
	out := dst.FillSlice()
	out[0] = typ
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:total], payload)
	dst.Advance(total)
	return total, true
}

// readRecord parses one record from src's drain window without
// consuming it yet (peek semantics); the caller decides whether to
// Skip once it has handled the payload. Returns ok=false if fewer
// than a full record's worth of bytes are available -- the short-read
// case the driver turns into BUFFER_UNDERFLOW.
func readRecord(src *buffer.Buffer) (typ byte, payload []byte, recordLen int, ok bool) {
	window := src.DrainSlice()
	if len(window) < headerSize {
		return 0, nil, 0, false
	}
	typ = window[0]
	n := int(binary.BigEndian.Uint16(window[1:3]))
	recordLen = headerSize + n
	if len(window) < recordLen {
		return 0, nil, 0, false
	}
	return typ, window[headerSize:recordLen], recordLen, true
}

var errNotHandshakingWrap = errors.New("engine: wrap called but engine is not awaiting a handshake wrap")

func (e *FakeEngine) Wrap(src, dst *buffer.Buffer) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return e.wrapDataOrCloseLocked(src, dst)
	}

	switch e.step {
	case stepSendClientHello:
		n, ok := writeRecord(dst, recClientHello, e.localNonce)
		if !ok {
			return Result{Status: BufferOverflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
		}
		e.step = stepAwaitServerHello
		return Result{Status: OK, HandshakeStatus: e.handshakeStatusLocked(), BytesProduced: n}, nil

	case stepSendServerHello:
		payload := append(append([]byte{}, e.localNonce...), boolByte(e.requireTask))
		n, ok := writeRecord(dst, recServerHello, payload)
		if !ok {
			return Result{Status: BufferOverflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
		}
		if e.requireTask {
			e.step = stepServerTask
			e.pendingTask = &fakeTask{e: e}
		} else {
			e.step = stepAwaitFinished
		}
		return Result{Status: OK, HandshakeStatus: e.handshakeStatusLocked(), BytesProduced: n}, nil

	case stepSendFinished:
		n, ok := writeRecord(dst, recFinished, checksum(e.key))
		if !ok {
			return Result{Status: BufferOverflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
		}
		e.step = stepDone
		e.done = true
		return Result{Status: OK, HandshakeStatus: Finished, BytesProduced: n}, nil

	default:
		return Result{}, errNotHandshakingWrap
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func checksum(key []byte) []byte {
	var sum byte
	for _, b := range key {
		sum ^= b
	}
	return []byte{sum}
}

func (e *FakeEngine) wrapDataOrCloseLocked(src, dst *buffer.Buffer) (Result, error) {
	if e.outboundClosed && !e.outboundDone {
		n, ok := writeRecord(dst, recCloseNotify, nil)
		if !ok {
			return Result{Status: BufferOverflow, HandshakeStatus: NotHandshaking}, nil
		}
		e.outboundDone = true
		return Result{Status: OK, HandshakeStatus: NotHandshaking, BytesProduced: n}, nil
	}
	if e.outboundDone {
		return Result{Status: Closed, HandshakeStatus: NotHandshaking}, nil
	}

	plain := src.DrainSlice()
	if len(plain) == 0 {
		return Result{Status: OK, HandshakeStatus: NotHandshaking}, nil
	}
	payload := append([]byte{}, plain...)
	xorStream(e.key, payload)
	n, ok := writeRecord(dst, recAppData, payload)
	if !ok {
		return Result{Status: BufferOverflow, HandshakeStatus: NotHandshaking}, nil
	}
	src.Skip(len(plain))
	return Result{Status: OK, HandshakeStatus: NotHandshaking, BytesConsumed: len(plain), BytesProduced: n}, nil
}

func (e *FakeEngine) Unwrap(src, dst *buffer.Buffer) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return e.unwrapDataLocked(src, dst)
	}

	typ, payload, recLen, ok := readRecord(src)
	if !ok {
		return Result{Status: BufferUnderflow, HandshakeStatus: e.handshakeStatusLocked()}, nil
	}

	switch e.step {
	case stepAwaitClientHello:
		if typ != recClientHello {
			return Result{}, fmt.Errorf("engine: expected client hello, got record type %d", typ)
		}
		e.peerNonce = append([]byte{}, payload...)
		// Client nonce first on both sides, so both derive the same key.
		e.key = deriveKey(e.peerNonce, e.localNonce)
		src.Skip(recLen)
		e.step = stepSendServerHello
		return Result{Status: OK, HandshakeStatus: e.handshakeStatusLocked(), BytesConsumed: recLen}, nil

	case stepAwaitServerHello:
		if typ != recServerHello {
			return Result{}, fmt.Errorf("engine: expected server hello, got record type %d", typ)
		}
		e.peerNonce = append([]byte{}, payload[:len(payload)-1]...)
		e.key = deriveKey(e.localNonce, e.peerNonce)
		taskRequired := payload[len(payload)-1] != 0 || e.requireTask
		src.Skip(recLen)
		if taskRequired {
			e.step = stepClientTask
			e.pendingTask = &fakeTask{e: e}
		} else {
			e.step = stepSendFinished
		}
		return Result{Status: OK, HandshakeStatus: e.handshakeStatusLocked(), BytesConsumed: recLen}, nil

	case stepAwaitFinished:
		if typ != recFinished {
			return Result{}, fmt.Errorf("engine: expected finished, got record type %d", typ)
		}
		src.Skip(recLen)
		e.step = stepDone
		e.done = true
		return Result{Status: OK, HandshakeStatus: Finished, BytesConsumed: recLen}, nil

	default:
		return Result{}, errors.New("engine: unwrap called but engine is not awaiting a handshake unwrap")
	}
}

func (e *FakeEngine) unwrapDataLocked(src, dst *buffer.Buffer) (Result, error) {
	typ, payload, recLen, ok := readRecord(src)
	if !ok {
		return Result{Status: BufferUnderflow, HandshakeStatus: NotHandshaking}, nil
	}
	if typ == recCloseNotify {
		src.Skip(recLen)
		e.inboundClosed = true
		return Result{Status: Closed, HandshakeStatus: NotHandshaking, BytesConsumed: recLen}, nil
	}
	if typ != recAppData {
		return Result{}, fmt.Errorf("engine: expected application data, got record type %d", typ)
	}
	if dst.Remaining() < len(payload) {
		return Result{Status: BufferOverflow, HandshakeStatus: NotHandshaking}, nil
	}
	out := dst.FillSlice()
	n := copy(out, payload)
	xorStream(e.key, out[:n])
	dst.Advance(n)
	src.Skip(recLen)
	return Result{Status: OK, HandshakeStatus: NotHandshaking, BytesConsumed: recLen, BytesProduced: n}, nil
}

func (e *FakeEngine) CloseOutbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboundClosed = true
	if !e.done {
		// Never finished a handshake; there is no close_notify to send.
		e.outboundDone = true
	}
	return nil
}

func (e *FakeEngine) CloseInbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboundClosed = true
	return nil
}

func (e *FakeEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundDone
}
