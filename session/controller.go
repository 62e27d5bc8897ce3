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
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
)

// CloseReason records why a session tore down, for logging and
// metrics -- spec §9's open question about peer half-close leaves the
// fire-and-forget close_notify behavior as-is, but at least makes the
// outcome observable.
type CloseReason string

const (
	ReasonLocalClose    CloseReason = "local-close"
	ReasonPeerClosed    CloseReason = "peer-closed"
	ReasonProtocolError CloseReason = "protocol-error"
	ReasonIOError       CloseReason = "io-error"
)

// completeHandshake performs the handoff described in spec §4.5:
// switch the tagged phase to data, re-register the same Handler value
// with the bridge (delink then add, preserving the "atomic from the
// selector's viewpoint" swap even though no new heap object is
// involved), and invoke the application's OnAccept/OnConnect exactly
// once.
func (s *Session) completeHandshake() {
	s.mu.Lock()
	if s.handoffDone && s.ph == phaseHandshake {
		// A renegotiation re-entered the handshake driver after handoff:
		// resume the data phase without notifying the application again.
		s.ph = phaseData
		s.mu.Unlock()
		if err := s.SelectForRead(); err != nil {
			s.log.Error("selecting for read after renegotiation", zap.Error(err))
		}
		return
	}
	if s.handoffDone || s.ph == phaseClosed {
		s.mu.Unlock()
		return
	}
	s.handoffDone = true
	s.ph = phaseData
	s.stopHandshakeTimerLocked()
	s.startIdleTimerLocked()
	s.mu.Unlock()

	s.bridge.Delink(s)
	s.bridge.AddHandler(s)

	if s.metrics.HandshakeCompleted != nil {
		s.metrics.HandshakeCompleted()
	}

	if s.role == Client {
		s.app.OnConnect(s)
	} else {
		s.app.OnAccept(s)
	}

	if err := s.SelectForRead(); err != nil {
		s.log.Error("selecting for read after handshake handoff", zap.Error(err))
	}
}

// offloadTask implements the NEED_TASK branch shared by drive() and
// driveUnwrapStep(): take the delegated task, submit it to the
// bridge's executor, and re-enter drive() from the continuation. Per
// spec §5, at most one delegated task is in flight per session; this
// is enforced by taskInFlight rather than relying on the engine.
func (s *Session) offloadTask() {
	s.mu.Lock()
	if s.taskInFlight {
		s.mu.Unlock()
		return
	}
	s.taskInFlight = true
	s.mu.Unlock()

	task := s.eng.TakeDelegatedTask()
	if task == nil {
		s.mu.Lock()
		s.taskInFlight = false
		s.mu.Unlock()
		return
	}

	if s.metrics.TaskOffloaded != nil {
		s.metrics.TaskOffloaded()
	}

	s.bridge.Execute(func() {
		err := task.Run()

		s.mu.Lock()
		s.taskInFlight = false
		notOpen := s.ph == phaseClosed
		s.mu.Unlock()

		if notOpen {
			// The continuation observes the session already closed
			// and aborts without mutating further state.
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		// drive() runs here on the executor goroutine rather than
		// being re-dispatched onto the reactor goroutine. Spec §5's
		// "proven non-conflicting" clause covers this: the session is
		// not selected for read or write while a task is in flight, so
		// no reactor callback touches inboundEncrypted/outboundEncrypted
		// concurrently with this continuation. A caller invoking
		// Close() from outside the reactor goroutine while a task is
		// in flight is the one path that still races the buffers.
		s.drive()
	})
}

// flushOutbound writes as much of outbound_encrypted as the raw
// socket will accept right now. It reports true if the buffer is now
// fully drained, false if bytes remain (in which case the caller must
// leave the session selected for write and return).
func (s *Session) flushOutbound() bool {
	for s.outboundEncrypted.HasRemaining() {
		n, err := s.conn.Write(s.outboundEncrypted.DrainSlice())
		if n > 0 {
			s.outboundEncrypted.Skip(n)
		}
		if err != nil {
			s.failIO(err)
			return false
		}
		if n == 0 {
			if err := s.SelectForWrite(); err != nil {
				s.log.Error("selecting for write", zap.Error(err))
			}
			return false
		}
	}
	return true
}

// Close is the sole cancellation primitive (spec §5) and is
// idempotent: repeated calls after the first are no-ops. If
// outbound_encrypted still holds bytes, shutdown is deferred until a
// write-readiness event drains it (continueDeferredClose).
func (s *Session) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.mu.Lock()
	s.ph = phaseClosed
	deferred := s.outboundEncrypted.HasRemaining()
	if s.closeReason == "" {
		s.closeReason = ReasonLocalClose
	}
	s.stopHandshakeTimerLocked()
	s.stopIdleTimerLocked()
	s.mu.Unlock()

	if deferred {
		if err := s.SelectForWrite(); err != nil {
			s.log.Error("selecting for write to drain pending close", zap.Error(err))
		}
		return nil
	}
	return s.runShutdownOnce()
}

// continueDeferredClose is OnWriteReady's phaseClosed branch (spec §4.5
// / testable property 6): a close was requested while outbound_encrypted
// still held bytes, so the raw socket stayed open until this
// write-readiness event could drain them. Once drained, run the
// deferred shutdown.
func (s *Session) continueDeferredClose() {
	if !s.flushOutbound() {
		// Either re-armed for more write readiness (partial write), or
		// flushOutbound's own I/O failure already routed through failIO
		// and ran the shutdown itself.
		return
	}
	_ = s.runShutdownOnce()
}

// runShutdownOnce executes doShutdown exactly once no matter which of
// Close, continueDeferredClose, or failIO reaches it first.
func (s *Session) runShutdownOnce() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.doShutdown()
	})
	return err
}

// doShutdown implements spec §4.5's close path: close_outbound on the
// engine, and if it isn't already done, wrap and flush a close_notify
// fire-and-forget before closing the raw socket. Any TLS error here
// proceeds straight to the raw-socket close without retry.
func (s *Session) doShutdown() error {
	if err := s.eng.CloseOutbound(); err != nil {
		s.log.Warn("engine close_outbound", zap.Error(err))
	}

	if !s.eng.IsOutboundDone() {
		s.outboundEncrypted.Clear()
		result, err := s.eng.Wrap(s.emptyPlain, s.outboundEncrypted)
		if err == nil && result.BytesProduced > 0 {
			s.outboundEncrypted.Flip()
			// Written directly rather than through flushOutbound: a write
			// error there routes through failIO, which would re-enter
			// runShutdownOnce from inside its own Do and never return.
			for s.outboundEncrypted.HasRemaining() {
				n, werr := s.conn.Write(s.outboundEncrypted.DrainSlice())
				s.outboundEncrypted.Skip(n)
				if werr != nil || n == 0 {
					break
				}
			}
		}
	}

	if s.metrics.SessionClosed != nil {
		s.metrics.SessionClosed(string(s.closeReason))
	}

	closeErr := s.conn.Close()
	s.bridge.Delink(s)
	s.app.Closing(s)
	return closeErr
}

// initiateShutdown is entered when the peer has closed its side, either
// by an end-of-stream read or an engine-reported CLOSED status
// mid-handshake: close inbound on the engine (spec §4.2's unwrap_step,
// scenario S5) and run the same shutdown path Close() would, tagged
// with the peer-closed reason. CloseInbound is idempotent from the
// engine's perspective, so calling it here even when the engine already
// noticed the peer's close_notify on its own costs nothing.
func (s *Session) initiateShutdown() {
	if err := s.eng.CloseInbound(); err != nil {
		s.log.Warn("engine close_inbound", zap.Error(err))
	}
	s.mu.Lock()
	alreadyClosing := s.ph == phaseClosed
	s.closeReason = ReasonPeerClosed
	s.mu.Unlock()
	if alreadyClosing {
		return
	}
	_ = s.Close()
}

// fail handles a protocol error or invariant violation: log it, tag
// the close reason, and tear the session down. Invariant violations
// (buffer overflow, an engine call contradicting the spec's handshake
// contract) use DPanic so they abort loudly in development builds
// without taking the whole reactor process down in production.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.closeReason = ReasonProtocolError
	inHandshake := !s.handoffDone
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrBufferOverflow), errors.Is(err, ErrUnexpectedHandshakeStatus):
		s.log.DPanic("invariant violation", zap.Error(err))
	default:
		s.log.Error("protocol error", zap.Error(err))
	}
	if inHandshake && s.metrics.HandshakeFailed != nil {
		s.metrics.HandshakeFailed(err.Error())
	}
	_ = s.Close()
}

// failIO handles a socket I/O error: the outbound buffer is drained so
// no further flush is attempted, and the session closes without
// retrying the write. It runs the shutdown directly (rather than via
// Close) so an I/O error encountered while draining an already-deferred
// close (continueDeferredClose) still reaches doShutdown: markClosed
// would already have flipped false by that point, and Close() alone
// would be a no-op.
func (s *Session) failIO(err error) {
	if errors.Is(err, io.EOF) {
		s.initiateShutdown()
		return
	}
	s.markClosed()
	s.mu.Lock()
	s.closeReason = ReasonIOError
	s.ph = phaseClosed
	s.outboundEncrypted.Skip(s.outboundEncrypted.Remaining())
	s.stopHandshakeTimerLocked()
	s.stopIdleTimerLocked()
	s.mu.Unlock()
	s.log.Warn("socket I/O error", zap.Error(err))
	_ = s.runShutdownOnce()
}

// startHandshakeTimerLocked arms the handshake deadline, if configured.
// Callers must hold mu.
func (s *Session) startHandshakeTimerLocked() {
	if s.cfg.HandshakeTimeout <= 0 {
		return
	}
	s.handshakeTimer = time.AfterFunc(s.cfg.HandshakeTimeout, s.onHandshakeTimeout)
}

// stopHandshakeTimerLocked cancels a pending handshake deadline.
// Callers must hold mu.
func (s *Session) stopHandshakeTimerLocked() {
	if s.handshakeTimer == nil {
		return
	}
	s.handshakeTimer.Stop()
	s.handshakeTimer = nil
}

// onHandshakeTimeout fires on its own goroutine when Config.HandshakeTimeout
// elapses; it only acts if the handshake genuinely hasn't completed yet,
// since the timer can't always be cancelled before it fires.
func (s *Session) onHandshakeTimeout() {
	s.mu.Lock()
	timedOut := !s.handoffDone && s.ph == phaseHandshake
	s.mu.Unlock()
	if !timedOut {
		return
	}
	s.fail(ErrHandshakeTimeout)
}

// startIdleTimerLocked arms the data-phase idle deadline, if configured.
// Callers must hold mu.
func (s *Session) startIdleTimerLocked() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.onIdleTimeout)
}

// stopIdleTimerLocked cancels a pending idle deadline. Callers must
// hold mu.
func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer == nil {
		return
	}
	s.idleTimer.Stop()
	s.idleTimer = nil
}

// resetIdleTimer is called on every read/write-readiness dispatch and
// every application Write during the data phase, restarting the idle
// deadline from the activity.
func (s *Session) resetIdleTimer() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
}

// onIdleTimeout fires on its own goroutine when Config.IdleTimeout
// elapses with no reset; it only acts if the session is still in the
// data phase.
func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	idle := s.ph == phaseData
	s.mu.Unlock()
	if !idle {
		return
	}
	s.fail(ErrIdleTimeout)
}
