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

import "time"

// Config carries the per-session tunables that don't belong on Engine
// or Bridge -- buffer sizing and the deadline/backoff knobs a real
// front door needs that the state machine itself has no opinion on.
// The zero Config is a valid, fully permissive configuration: no
// buffer override and no deadlines.
type Config struct {
	// PacketBufferSize overrides the buffer triad's capacity. Zero
	// means use the engine's own PacketBufferSize(), as before Config
	// existed.
	PacketBufferSize int

	// HandshakeTimeout fails the handshake with ErrHandshakeTimeout if
	// it hasn't reached FINISHED/NOT_HANDSHAKING this long after
	// OnAccept/OnConnect. Zero disables the deadline.
	HandshakeTimeout time.Duration

	// IdleTimeout closes the session with ErrIdleTimeout if the data
	// phase goes this long without a plaintext read or write. Zero
	// disables the deadline.
	IdleTimeout time.Duration

	// AcceptBackoff is the initial retry delay a listener loop should
	// use after a temporary Accept error, doubling on each consecutive
	// failure up to a cap. The session core never reads this field
	// itself; it rides along on Config so one value configures both
	// the session and the front door that constructs it (see cmd/
	// tlsreactor's serve loop).
	AcceptBackoff time.Duration
}

func (c Config) bufferSize(engineDefault int) int {
	if c.PacketBufferSize > 0 {
		return c.PacketBufferSize
	}
	return engineDefault
}
