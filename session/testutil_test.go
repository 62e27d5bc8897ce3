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

package session

import (
	"sync"

	"github.com/tlsreactor/tlsreactor/buffer"
	"github.com/tlsreactor/tlsreactor/engine"
)

// testBridge is a minimal Bridge double: arming for read or write just
// parks a fresh goroutine in the corresponding Handler callback, the
// same one-shot-per-arm discipline the portable reactor backend uses,
// so tests never need a real selector loop.
type testBridge struct {
	mu       sync.Mutex
	handlers map[Index]Handler
}

func newTestBridge() *testBridge {
	return &testBridge{handlers: make(map[Index]Handler)}
}

func (b *testBridge) SelectForRead(h Handler) error {
	go h.OnReadReady()
	return nil
}

func (b *testBridge) SelectForWrite(h Handler) error {
	go h.OnWriteReady()
	return nil
}

func (b *testBridge) Execute(task func()) { go task() }

func (b *testBridge) Delink(h Handler) {
	b.mu.Lock()
	delete(b.handlers, h.Index())
	b.mu.Unlock()
}

func (b *testBridge) AddHandler(h Handler) {
	b.mu.Lock()
	b.handlers[h.Index()] = h
	b.mu.Unlock()
}

func (b *testBridge) Name() string { return "test" }

// recordingHandler is an EventHandler double that reports each
// lifecycle callback on a buffered channel so tests can synchronize on
// them instead of sleeping. OnRead drains the session synchronously,
// the way a real handler must (spec §4.4): the driver discards
// whatever the callback didn't read before it returns.
type recordingHandler struct {
	accepted  chan *Session
	connected chan *Session
	readData  chan []byte
	writable  chan *Session
	closing   chan *Session
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		accepted:  make(chan *Session, 8),
		connected: make(chan *Session, 8),
		readData:  make(chan []byte, 8),
		writable:  make(chan *Session, 8),
		closing:   make(chan *Session, 8),
	}
}

func (h *recordingHandler) OnAccept(s *Session)  { h.accepted <- s }
func (h *recordingHandler) OnConnect(s *Session) { h.connected <- s }

func (h *recordingHandler) OnRead(s *Session) {
	buf := make([]byte, 4096)
	n, _ := s.Read(buf)
	got := make([]byte, n)
	copy(got, buf[:n])
	h.readData <- got
}

func (h *recordingHandler) OnWrite(s *Session) { h.writable <- s }
func (h *recordingHandler) Closing(s *Session) { h.closing <- s }

// limitedWriteConn wraps a RawConn so a single Write call never accepts
// more than max bytes, the way a real non-blocking socket under
// backpressure returns a partial write instead of consuming the whole
// buffer (spec §8's S3 scenario: "the underlying socket accepts only 7
// bytes per write").
type limitedWriteConn struct {
	RawConn
	max int
}

func (c *limitedWriteConn) Write(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	return c.RawConn.Write(p)
}

// gateConn wraps a RawConn and blocks every Write until release is
// closed, so a test can hold a session at the instant outbound_encrypted
// still has unflushed bytes while Close() runs concurrently (spec §8's
// S6 scenario). closed is closed exactly when Close is called on the
// gate, letting a test observe whether the underlying socket closed
// before or after the gate was released.
type gateConn struct {
	RawConn
	release chan struct{}
	closed  chan struct{}
}

func newGateConn(underlying RawConn) *gateConn {
	return &gateConn{RawConn: underlying, release: make(chan struct{}), closed: make(chan struct{})}
}

func (c *gateConn) Write(p []byte) (int, error) {
	<-c.release
	return c.RawConn.Write(p)
}

func (c *gateConn) Close() error {
	close(c.closed)
	return c.RawConn.Close()
}

// stallEngine is an engine.Engine double that always reports
// NEED_UNWRAP and never makes handshake progress, so a session built
// on it sits in the handshake phase indefinitely unless something
// external (a deadline) tears it down -- useful for exercising
// Config.HandshakeTimeout without depending on FakeEngine's timing.
type stallEngine struct{}

func (stallEngine) BeginHandshake() error { return nil }

func (stallEngine) Wrap(src, dst *buffer.Buffer) (engine.Result, error) {
	return engine.Result{Status: engine.OK, HandshakeStatus: engine.NeedUnwrap}, nil
}

func (stallEngine) Unwrap(src, dst *buffer.Buffer) (engine.Result, error) {
	return engine.Result{Status: engine.BufferUnderflow, HandshakeStatus: engine.NeedUnwrap}, nil
}

func (stallEngine) CloseOutbound() error { return nil }
func (stallEngine) CloseInbound() error  { return nil }
func (stallEngine) IsOutboundDone() bool { return true }

func (stallEngine) HandshakeStatus() engine.HandshakeStatus { return engine.NeedUnwrap }

func (stallEngine) TakeDelegatedTask() engine.Task { return nil }

func (stallEngine) PacketBufferSize() int { return testPacketSize }

// closeInboundSpyEngine wraps a *engine.FakeEngine and records whether
// CloseInbound was ever invoked, so a test can assert on it directly
// instead of inferring it from session-internal state.
type closeInboundSpyEngine struct {
	*engine.FakeEngine
	mu      sync.Mutex
	didCall bool
}

func (e *closeInboundSpyEngine) CloseInbound() error {
	e.mu.Lock()
	e.didCall = true
	e.mu.Unlock()
	return e.FakeEngine.CloseInbound()
}

func (e *closeInboundSpyEngine) called() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.didCall
}

// closedMidHandshakeEngine is an engine.Engine double whose very first
// Unwrap call reports CLOSED while the handshake is still in progress,
// simulating a peer close_notify that arrives before FINISHED -- a
// case FakeEngine's own handshake simulation never produces on its
// own.
type closedMidHandshakeEngine struct {
	mu      sync.Mutex
	didCall bool
}

func (e *closedMidHandshakeEngine) BeginHandshake() error { return nil }

func (e *closedMidHandshakeEngine) Wrap(src, dst *buffer.Buffer) (engine.Result, error) {
	return engine.Result{Status: engine.OK, HandshakeStatus: engine.NeedUnwrap}, nil
}

func (e *closedMidHandshakeEngine) Unwrap(src, dst *buffer.Buffer) (engine.Result, error) {
	src.Skip(src.Remaining())
	return engine.Result{Status: engine.Closed, HandshakeStatus: engine.NeedUnwrap}, nil
}

func (e *closedMidHandshakeEngine) CloseOutbound() error { return nil }

func (e *closedMidHandshakeEngine) CloseInbound() error {
	e.mu.Lock()
	e.didCall = true
	e.mu.Unlock()
	return nil
}

func (e *closedMidHandshakeEngine) IsOutboundDone() bool { return true }

func (e *closedMidHandshakeEngine) HandshakeStatus() engine.HandshakeStatus { return engine.NeedUnwrap }

func (e *closedMidHandshakeEngine) TakeDelegatedTask() engine.Task { return nil }

func (e *closedMidHandshakeEngine) PacketBufferSize() int { return testPacketSize }

func (e *closedMidHandshakeEngine) called() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.didCall
}
