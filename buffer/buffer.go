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

// Package buffer implements the fixed-capacity, fill/drain byte buffer
// used throughout the TLS session core. It mirrors java.nio.ByteBuffer's
// two-mode discipline (fill: position advances as bytes are written in;
// drain: position advances as bytes are read out) without ever
// reallocating, since every buffer in the triad is sized once to the
// engine's packet size and reused for the life of a session.
package buffer

import "fmt"

// Buffer is a fixed-capacity byte region with a position and limit.
// Callers flip between fill mode (accumulating bytes up to limit) and
// drain mode (consuming bytes up to limit) explicitly; Buffer does not
// track which mode it's in, since both handshake and data-phase
// drivers need to reason about that themselves (see session package).
type Buffer struct {
	data     []byte
	position int
	limit    int
}

// New allocates a buffer with the given fixed capacity, initially
// empty and ready to be filled (position 0, limit == capacity).
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), limit: capacity}
}

// NewDrainedEmpty allocates a buffer with nothing pending to drain
// (position == limit == 0), the construction-time state the session
// invariants require for outbound_encrypted and inbound_clear.
func NewDrainedEmpty(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Capacity() int { return len(b.data) }
func (b *Buffer) Position() int { return b.position }
func (b *Buffer) Limit() int    { return b.limit }

// Remaining is how many bytes are available between position and
// limit, in whichever mode the buffer is currently used as.
func (b *Buffer) Remaining() int { return b.limit - b.position }

func (b *Buffer) HasRemaining() bool { return b.position < b.limit }

// Clear resets the buffer to fill mode with the full capacity
// available: position 0, limit == capacity.
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.data)
}

// Flip swaps fill mode for drain mode: whatever was written up to
// position becomes the readable window, from 0 to that position.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// Compact preserves unread bytes (position..limit) by moving them to
// the front, then switches back to fill mode positioned just past
// them, ready to receive more without clobbering the residue. This is
// how a short read or a partial record is retained across suspension
// points.
func (b *Buffer) Compact() {
	residual := copy(b.data, b.data[b.position:b.limit])
	b.position = residual
	b.limit = len(b.data)
}

// FillSlice returns the writable window (position..limit) for engines
// or readers to deposit bytes into directly, without an intermediate
// copy. Callers must follow up with Advance(n) for the n bytes
// actually written.
func (b *Buffer) FillSlice() []byte { return b.data[b.position:b.limit] }

// Advance moves position forward by n after a direct write into the
// slice returned by FillSlice. It panics if n would overrun limit,
// since that would mean a caller wrote past the buffer's capacity --
// a programmer error, not a runtime condition to recover from.
func (b *Buffer) Advance(n int) {
	if b.position+n > b.limit {
		panic(fmt.Sprintf("buffer: advance %d overruns limit %d at position %d", n, b.limit, b.position))
	}
	b.position += n
}

// DrainSlice returns the readable window (position..limit) in drain
// mode. Callers must follow up with Skip(n) for the n bytes actually
// consumed.
func (b *Buffer) DrainSlice() []byte { return b.data[b.position:b.limit] }

// Skip moves position forward by n after consuming from the slice
// returned by DrainSlice.
func (b *Buffer) Skip(n int) {
	if b.position+n > b.limit {
		panic(fmt.Sprintf("buffer: skip %d overruns limit %d at position %d", n, b.limit, b.position))
	}
	b.position += n
}

// Put copies p into the buffer's fill window, advancing position.
// It returns the number of bytes actually copied, which is less than
// len(p) if the buffer's remaining room is smaller.
func (b *Buffer) Put(p []byte) int {
	n := copy(b.data[b.position:b.limit], p)
	b.position += n
	return n
}
