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
	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/engine"
)

// OnAccept begins an inbound handshake: begin_handshake on the engine,
// then drive it as far as it will go before suspending.
func (s *Session) OnAccept() {
	s.markOpen()
	s.startHandshake()
}

// OnConnect begins an outbound handshake.
func (s *Session) OnConnect() {
	s.markOpen()
	s.startHandshake()
}

func (s *Session) startHandshake() {
	if err := s.eng.BeginHandshake(); err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.startHandshakeTimerLocked()
	s.mu.Unlock()
	if s.metrics.HandshakeStarted != nil {
		s.metrics.HandshakeStarted()
	}
	s.drive()
}

// drive is the handshake driver loop (spec §4.2). It inspects the
// engine's handshake status and acts on it, looping only when an
// action completes synchronously (a fully flushed wrap); any action
// that must wait on I/O readiness or a delegated task returns instead,
// trusting a later readiness event or task continuation to resume it.
func (s *Session) drive() {
	for {
		s.mu.Lock()
		closed := s.ph == phaseClosed
		s.mu.Unlock()
		if closed {
			return
		}

		switch s.eng.HandshakeStatus() {
		case engine.Finished, engine.NotHandshaking:
			s.completeHandshake()
			return

		case engine.NeedTask:
			s.offloadTask()
			return

		case engine.NeedUnwrap:
			if err := s.SelectForRead(); err != nil {
				s.log.Error("selecting for read during handshake", zap.Error(err))
			}
			return

		case engine.NeedWrap:
			if s.outboundEncrypted.HasRemaining() {
				// Bytes from a prior wrap are still pending flush;
				// don't clobber them. A write-readiness event will
				// drain them and re-enter drive().
				return
			}
			if !s.wrapHandshakeRecord() {
				return // BUFFER_OVERFLOW already handled by wrapHandshakeRecord
			}
			if !s.flushOutbound() {
				return // partial write; write-readiness will resume the loop
			}
			// fully flushed: loop and re-check handshake status
		}
	}
}

// wrapHandshakeRecord implements the shared wrap step (spec §4.3):
// clear outbound_encrypted, wrap zero-length plaintext, and assert the
// invariants a handshake-phase wrap must uphold. Returns false (having
// already torn the session down) on any invariant violation or engine
// error.
func (s *Session) wrapHandshakeRecord() bool {
	s.outboundEncrypted.Clear()
	result, err := s.eng.Wrap(s.emptyPlain, s.outboundEncrypted)
	if err != nil {
		s.fail(err)
		return false
	}
	if result.Status == engine.BufferOverflow {
		s.fail(ErrBufferOverflow)
		return false
	}
	if result.BytesConsumed != 0 || result.BytesProduced == 0 {
		s.fail(ErrUnexpectedHandshakeStatus)
		return false
	}
	s.outboundEncrypted.Flip()
	return true
}

// driveUnwrapStep implements spec §4.2's unwrap_step: read ciphertext
// from the socket, feed it to the engine (looping to drain whatever
// partial records it can make progress on without new bytes), and
// dispatch on the resulting status.
func (s *Session) driveUnwrapStep() {
	n, err := s.conn.Read(s.inboundEncrypted.FillSlice())
	if err != nil {
		s.failIO(err)
		return
	}
	if n == 0 {
		s.initiateShutdown()
		return
	}
	s.inboundEncrypted.Advance(n)
	s.inboundEncrypted.Flip()

	var result engine.Result
	for {
		s.inboundClear.Clear()
		result, err = s.eng.Unwrap(s.inboundEncrypted, s.inboundClear)
		if err != nil {
			s.fail(err)
			s.inboundEncrypted.Compact()
			return
		}
		if result.Status == engine.OK && result.HandshakeStatus == engine.NeedUnwrap &&
			result.BytesProduced == 0 && s.inboundEncrypted.HasRemaining() {
			continue
		}
		break
	}
	if result.Status == engine.OK && s.inboundEncrypted.HasRemaining() {
		s.inboundClear.Clear()
		result, err = s.eng.Unwrap(s.inboundEncrypted, s.inboundClear)
		if err != nil {
			s.fail(err)
			s.inboundEncrypted.Compact()
			return
		}
	}
	s.inboundEncrypted.Compact()

	switch result.Status {
	case engine.BufferUnderflow:
		if err := s.SelectForRead(); err != nil {
			s.log.Error("re-selecting for read", zap.Error(err))
		}
	case engine.Closed:
		// The peer's close_notify arrived mid-handshake, before
		// end-of-stream; don't wait for a read that may never come.
		s.initiateShutdown()
	case engine.BufferOverflow:
		s.fail(ErrBufferOverflow)
	case engine.OK:
		switch result.HandshakeStatus {
		case engine.Finished:
			s.completeHandshake()
		case engine.NeedWrap:
			s.drive()
		case engine.NeedTask:
			s.offloadTask()
		case engine.NeedUnwrap:
			if err := s.SelectForRead(); err != nil {
				s.log.Error("re-selecting for read", zap.Error(err))
			}
		}
	}
}
