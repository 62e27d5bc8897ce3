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

	"github.com/tlsreactor/tlsreactor/buffer"
	"github.com/tlsreactor/tlsreactor/engine"
)

// dataOnReadReady implements spec §4.4's on_read: read ciphertext,
// unwrap into inbound_clear, compact, and hand the plaintext window to
// the application. A mid-session NEED_WRAP/NEED_TASK/NEED_UNWRAP
// return from Unwrap means the peer started a renegotiation; spec §9
// says to re-enter the handshake driver transparently for that case.
func (s *Session) dataOnReadReady() {
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

	s.inboundClear.Clear()
	result, err := s.eng.Unwrap(s.inboundEncrypted, s.inboundClear)
	s.inboundEncrypted.Compact()
	if err != nil {
		s.fail(err)
		return
	}

	switch result.Status {
	case engine.BufferUnderflow:
		if err := s.SelectForRead(); err != nil {
			s.log.Error("re-selecting for read", zap.Error(err))
		}
		return
	case engine.Closed:
		s.initiateShutdown()
		return
	case engine.BufferOverflow:
		s.fail(ErrBufferOverflow)
		return
	}

	if s.metrics.BytesUnwrapped != nil && result.BytesProduced > 0 {
		s.metrics.BytesUnwrapped(result.BytesProduced)
	}

	switch result.HandshakeStatus {
	case engine.NeedWrap, engine.NeedUnwrap, engine.NeedTask:
		// Renegotiation: re-enter the handshake driver transparently.
		s.mu.Lock()
		s.ph = phaseHandshake
		s.mu.Unlock()
		s.drive()
		return
	}

	if result.BytesProduced > 0 {
		s.inboundClear.Flip()
		s.app.OnRead(s)
		// If the application didn't drain everything (or ignored the
		// callback), discard the rest; spec does not ask this module
		// to buffer plaintext on the application's behalf beyond one
		// record (spec §1 non-goals).
		s.inboundClear.Skip(s.inboundClear.Remaining())
	}

	if err := s.SelectForRead(); err != nil {
		s.log.Error("re-selecting for read", zap.Error(err))
	}
}

// dataOnWriteReady drains any outbound ciphertext still pending from a
// prior Write call, then notifies the application it can write more.
func (s *Session) dataOnWriteReady() {
	if !s.flushOutbound() {
		return
	}
	s.app.OnWrite(s)
}

// Read implements the plaintext Channel contract: it drains whatever
// is currently sitting in inbound_clear (already delivered to OnRead's
// invocation window) without blocking or reading from the network
// itself -- the caller is expected to read during its OnRead callback.
func (s *Session) Read(p []byte) (int, error) {
	if !s.inboundClear.HasRemaining() {
		return 0, nil
	}
	window := s.inboundClear.DrainSlice()
	n := copy(p, window)
	s.inboundClear.Skip(n)
	return n, nil
}

// Write implements the plaintext Channel contract (spec §4.4's
// write(plain_buffer)): wrap the given plaintext, flushing cipher
// output between wrap calls, until it's all been consumed or the
// outbound socket applies backpressure.
func (s *Session) Write(p []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	s.resetIdleTimer()
	src := buffer.New(len(p))
	src.Put(p)
	src.Flip()

	total := 0
	for src.HasRemaining() {
		if s.outboundEncrypted.HasRemaining() {
			if !s.flushOutbound() {
				return total, nil // backpressure; OnWrite resumes later
			}
		}
		s.outboundEncrypted.Clear()
		result, err := s.eng.Wrap(src, s.outboundEncrypted)
		if err != nil {
			return total, err
		}
		if result.Status == engine.BufferOverflow {
			s.fail(ErrBufferOverflow)
			return total, ErrBufferOverflow
		}
		s.outboundEncrypted.Flip()
		total += result.BytesConsumed
		if s.metrics.BytesWrapped != nil && result.BytesConsumed > 0 {
			s.metrics.BytesWrapped(result.BytesConsumed)
		}
		if !s.flushOutbound() {
			return total, nil
		}
		if result.HandshakeStatus != engine.NotHandshaking {
			// Mid-write renegotiation signal; hand control back to the
			// handshake driver and let the caller retry the remainder
			// once the handshake re-finishes and the data phase resumes.
			s.mu.Lock()
			s.ph = phaseHandshake
			s.mu.Unlock()
			s.drive()
			return total, nil
		}
	}
	return total, nil
}
