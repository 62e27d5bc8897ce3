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

// Index is the stable, opaque identity a SelectorBridge uses to look
// up a Handler -- typically a file descriptor or a handler-table slot.
// The session core never interprets it; it only hands it back to the
// bridge for re-arming and delink/add calls.
type Index any

// Handler is what the selector bridge dispatches readiness events to.
// A Session implements Handler directly: rather than two heap objects
// swapped at handshake completion (one for the handshake phase, one
// for the data phase), the Session holds a tagged-variant internal
// phase and Handler methods dispatch on it. That sidesteps the
// delink/add race a two-object design would need to guard against,
// since there is only ever one Handler value for a given socket.
type Handler interface {
	Index() Index
	OnReadReady()
	OnWriteReady()
}

// EventHandler is the application-supplied callback set the session
// core delivers plaintext and lifecycle events to. Read/write calls on
// the Session itself (which also implements io.Reader and io.Writer
// over the plaintext side once the handshake completes) are how the
// handler moves bytes; EventHandler is purely notification.
type EventHandler interface {
	// OnAccept fires exactly once, after an inbound handshake
	// completes. The handler should retain s for later SelectForRead /
	// SelectForWrite calls.
	OnAccept(s *Session)
	// OnConnect fires exactly once, after an outbound handshake
	// completes.
	OnConnect(s *Session)
	// OnRead fires whenever readable plaintext is available. The
	// handler should read until exhausted and call s.SelectForRead()
	// to re-arm.
	OnRead(s *Session)
	// OnWrite fires when the session can accept more outbound
	// plaintext. The handler should write as much as it has and call
	// s.SelectForWrite() if more remains.
	OnWrite(s *Session)
	// Closing is the last call before teardown.
	Closing(s *Session)
}

// Bridge is the abstraction the session core requires from the outer
// readiness-driven I/O loop: re-arming interest, offloading CPU-bound
// work, and the atomic delink/add swap used at handshake completion.
type Bridge interface {
	// SelectForRead arms h for the next read-readiness event.
	// Idempotent: calling it when already armed is a no-op.
	SelectForRead(h Handler) error
	// SelectForWrite arms h for the next write-readiness event.
	SelectForWrite(h Handler) error
	// Execute runs a CPU-bound unit of work off the I/O thread.
	Execute(task func())
	// Delink removes h from the bridge's handler table.
	Delink(h Handler)
	// AddHandler registers h in the bridge's handler table, keyed by
	// h.Index().
	AddHandler(h Handler)
	// Name is a diagnostic label for the bridge implementation.
	Name() string
}
