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

//go:build !linux

package reactor

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/session"
)

func newPoller(log *zap.Logger) poller {
	return &portablePoller{
		log:   log,
		conns: make(map[session.Index]net.Conn),
	}
}

// portablePoller is the non-Linux readiness backend. It has no access
// to a real readiness multiplexer, so it approximates one-shot
// armRead/armWrite by parking a single goroutine in a blocking
// Read/Write attempt each time the session re-arms; the one-shot
// contract (a session only arms once per cycle) guarantees at most one
// such goroutine per connection per direction at a time, so this never
// races a background reader against the session's own conn.Read.
type portablePoller struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[session.Index]net.Conn

	onReadable func(session.Index)
	onWritable func(session.Index)
}

func (p *portablePoller) name() string { return "portable" }

func (p *portablePoller) register(idx session.Index, conn net.Conn) error {
	p.mu.Lock()
	p.conns[idx] = conn
	p.mu.Unlock()
	return nil
}

func (p *portablePoller) unregister(idx session.Index) {
	p.mu.Lock()
	delete(p.conns, idx)
	p.mu.Unlock()
}

func (p *portablePoller) armRead(idx session.Index) error {
	p.mu.Lock()
	cb := p.onReadable
	p.mu.Unlock()
	if cb == nil {
		return nil
	}
	go cb(idx)
	return nil
}

func (p *portablePoller) armWrite(idx session.Index) error {
	p.mu.Lock()
	cb := p.onWritable
	p.mu.Unlock()
	if cb == nil {
		return nil
	}
	go cb(idx)
	return nil
}

func (p *portablePoller) run(stop <-chan struct{}, onReadable, onWritable func(session.Index)) {
	p.mu.Lock()
	p.onReadable = onReadable
	p.onWritable = onWritable
	p.mu.Unlock()
	<-stop
}
