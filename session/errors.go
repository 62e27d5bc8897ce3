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

import "errors"

// Sentinel errors for the taxonomy in the handshake/close design.
// ErrBufferOverflow and ErrUnexpectedHandshakeStatus are invariant
// violations that should fail loudly rather than be handled as
// transient conditions (see the session controller's close path for
// how they funnel into teardown).
var (
	// ErrClosed is returned by operations attempted on a session whose
	// open flag has already flipped to false.
	ErrClosed = errors.New("session: closed")

	// ErrBufferOverflow means the engine reported BUFFER_OVERFLOW --
	// the plaintext or ciphertext destination buffer was too small,
	// which given the buffer triad's fixed sizing is a programmer
	// error, not a transient condition.
	ErrBufferOverflow = errors.New("session: engine reported buffer overflow")

	// ErrUnexpectedHandshakeStatus means a handshake-phase wrap broke
	// its invariants: it consumed plaintext or produced zero
	// ciphertext.
	ErrUnexpectedHandshakeStatus = errors.New("session: unexpected handshake status")

	// ErrHandshakeTimeout means Config.HandshakeTimeout elapsed before
	// the handshake driver reached FINISHED/NOT_HANDSHAKING.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrIdleTimeout means Config.IdleTimeout elapsed with no plaintext
	// read or written during the data phase.
	ErrIdleTimeout = errors.New("session: idle timeout")
)
