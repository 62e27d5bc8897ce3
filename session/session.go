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

// Package session implements the TLS session state machine: the code
// that sits between a readiness-driven I/O loop (the Bridge) and an
// application event handler, coordinating a handshake that can
// suspend for more bytes, more buffer room, or offloaded CPU work, and
// then transporting plaintext once that handshake finishes.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/buffer"
	"github.com/tlsreactor/tlsreactor/engine"
)

// RawConn is the raw, non-blocking socket a Session reads ciphertext
// from and writes ciphertext to. It is deliberately minimal: the
// session core never needs addresses, deadlines, or anything else a
// full net.Conn exposes.
type RawConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Role mirrors engine.Role: which side of the handshake this session
// plays.
type Role = engine.Role

const (
	Client = engine.Client
	Server = engine.Server
)

// phase is the tagged variant driving Handler dispatch: a Session is
// always in exactly one of these, and the handoff between them is a
// field write guarded by mu, not a heap-object swap (see bridge.go's
// Handler doc comment).
type phase int32

const (
	phaseHandshake phase = iota
	phaseData
	phaseClosed
)

// Session is the per-socket aggregate of engine, buffer triad, role,
// and driver state described in spec §3. It implements Handler (for
// the Bridge) and also serves as the plaintext Channel the
// application reads from and writes to once the handshake completes.
type Session struct {
	role  Role
	eng   engine.Engine
	conn  RawConn
	bridge Bridge
	app   EventHandler
	idx   Index
	log   *zap.Logger

	inboundEncrypted  *buffer.Buffer
	inboundClear      *buffer.Buffer
	outboundEncrypted *buffer.Buffer
	emptyPlain        *buffer.Buffer // zero-capacity; wrap's plaintext source for handshake/close records

	mu             sync.Mutex
	ph             phase
	taskInFlight   bool
	handoffDone    bool
	closeReason    CloseReason
	handshakeTimer *time.Timer
	idleTimer      *time.Timer

	shutdownOnce sync.Once // guards doShutdown running more than once, however it's reached

	open int32 // atomic; 1 while open, monotonically set to 0 exactly once

	cfg     Config
	metrics Metrics
}

// Metrics is the set of counters/histograms the session reports
// through. A nil field is left untouched (convenient for tests); see
// internal/metrics for the production implementation.
type Metrics struct {
	HandshakeStarted   func()
	HandshakeCompleted func()
	HandshakeFailed    func(reason string)
	SessionClosed      func(reason string)
	BytesWrapped       func(n int)
	BytesUnwrapped     func(n int)
	TaskOffloaded      func()
}

// New constructs a Session in the handshake phase, with its buffer
// triad sized to the engine's packet size per spec §3's invariant
// (or to cfg.PacketBufferSize, if set). The caller must call OnAccept
// or OnConnect immediately afterward, matching the lifecycle in spec
// §3.
func New(role Role, eng engine.Engine, conn RawConn, bridge Bridge, app EventHandler, idx Index, log *zap.Logger, metrics Metrics, cfg Config) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.bufferSize(eng.PacketBufferSize())
	return &Session{
		role:              role,
		eng:               eng,
		conn:              conn,
		bridge:            bridge,
		app:               app,
		idx:               idx,
		log:               log,
		inboundEncrypted:  buffer.New(size),
		inboundClear:      buffer.NewDrainedEmpty(size),
		outboundEncrypted: buffer.NewDrainedEmpty(size),
		emptyPlain:        buffer.NewDrainedEmpty(0),
		cfg:               cfg,
		metrics:           metrics,
	}
}

func (s *Session) Index() Index { return s.idx }

// Role reports which side of the handshake this session plays.
func (s *Session) Role() Role { return s.role }

// IsOpen reports whether the session has been opened by OnAccept or
// OnConnect and no close has begun yet; the flag drops as soon as
// Close (or an I/O failure) starts tearing the session down, even if
// the shutdown itself is deferred. It is safe to call from any
// goroutine.
func (s *Session) IsOpen() bool { return atomic.LoadInt32(&s.open) != 0 }

func (s *Session) markOpen() { atomic.StoreInt32(&s.open, 1) }

// markClosed flips open from true to false and reports whether this
// call was the one that did it -- the guard close() uses to stay
// idempotent (spec §3: "open flips to false exactly once,
// irreversibly").
func (s *Session) markClosed() bool {
	return atomic.CompareAndSwapInt32(&s.open, 1, 0)
}

// SelectForRead re-arms the session for the next read-readiness event.
func (s *Session) SelectForRead() error { return s.bridge.SelectForRead(s) }

// SelectForWrite re-arms the session for the next write-readiness
// event.
func (s *Session) SelectForWrite() error { return s.bridge.SelectForWrite(s) }

// OnReadReady and OnWriteReady implement Handler by dispatching to the
// handshake or data-phase driver according to the current tagged
// phase.
func (s *Session) OnReadReady() {
	s.mu.Lock()
	ph := s.ph
	s.mu.Unlock()

	switch ph {
	case phaseHandshake:
		s.driveUnwrapStep()
	case phaseData:
		s.resetIdleTimer()
		s.dataOnReadReady()
	}
}

func (s *Session) OnWriteReady() {
	s.mu.Lock()
	ph := s.ph
	s.mu.Unlock()

	switch ph {
	case phaseHandshake:
		if s.flushOutbound() {
			s.drive()
		}
	case phaseData:
		s.resetIdleTimer()
		s.dataOnWriteReady()
	case phaseClosed:
		s.continueDeferredClose()
	}
}
