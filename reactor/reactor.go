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

// Package reactor provides the readiness-driven I/O loop the session
// core treats as an external collaborator (spec §1, §6): it satisfies
// session.Bridge by tracking which handlers want read/write readiness
// and dispatching events to them as they occur, and it runs delegated
// tasks on a separate goroutine pool so they never block the reactor
// goroutine.
//
// Two backends exist: an epoll-based one for Linux (poller_linux.go),
// following the same build-tag split the teacher uses for
// listen_linux.go/listen_unix.go, and a portable one
// (poller_portable.go) for everywhere else, built on goroutines
// parked in blocking reads/writes. Both satisfy the same poller
// interface so Reactor itself is platform-agnostic.
package reactor

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/session"
)

// poller is the platform-specific half of the bridge: it knows how to
// wait for readiness on a raw connection and report it back to the
// Reactor via the onReadable/onWritable callbacks passed to run.
type poller interface {
	// register adds a connection to the poller's watch set, keyed by
	// idx (which must be comparable -- the poller uses it as a map
	// key).
	register(idx session.Index, conn net.Conn) error
	armRead(idx session.Index) error
	armWrite(idx session.Index) error
	unregister(idx session.Index)
	// run processes readiness events until stop is closed, calling
	// onReadable/onWritable for each one.
	run(stop <-chan struct{}, onReadable, onWritable func(session.Index))
	name() string
}

// Reactor is a single-threaded cooperative event loop: one goroutine
// runs poller.run and dispatches every readiness event to the
// matching Handler, so all engine calls, buffer mutations, and
// application callbacks for a given session are serialized exactly as
// spec §5 requires. Delegated tasks, by contrast, run on execPool so
// they never block that goroutine.
type Reactor struct {
	log      *zap.Logger
	poll     poller
	execPool chan func()
	stop     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	handlers map[session.Index]session.Handler
}

// New builds a Reactor with the best poller available for the current
// platform (epoll on Linux, a portable goroutine-based poller
// elsewhere) and a fixed-size pool of worker goroutines for delegated
// tasks.
func New(log *zap.Logger, taskWorkers int) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	if taskWorkers < 1 {
		taskWorkers = 1
	}
	r := &Reactor{
		log:      log,
		poll:     newPoller(log),
		execPool: make(chan func(), 256),
		stop:     make(chan struct{}),
		handlers: make(map[session.Index]session.Handler),
	}
	for i := 0; i < taskWorkers; i++ {
		r.wg.Add(1)
		go r.taskWorker()
	}
	return r
}

func (r *Reactor) taskWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case task, ok := <-r.execPool:
			if !ok {
				return
			}
			task()
		}
	}
}

// Run starts the poller loop and blocks until Stop is called.
func (r *Reactor) Run() {
	r.poll.run(r.stop, r.dispatchRead, r.dispatchWrite)
}

// Stop shuts the reactor down: the poller loop and all task workers
// exit once their current event/task finishes.
func (r *Reactor) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Reactor) dispatchRead(idx session.Index) {
	r.mu.Lock()
	h, ok := r.handlers[idx]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.OnReadReady()
}

func (r *Reactor) dispatchWrite(idx session.Index) {
	r.mu.Lock()
	h, ok := r.handlers[idx]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.OnWriteReady()
}

// Register adds a new connection to the reactor under idx and installs
// h as the handler for its readiness events. Sessions call AddHandler
// again at handshake handoff (same idx, same Handler value), which
// AddHandler treats as an idempotent upsert. Register itself adds the
// connection to the poller and is called once per connection.
func (r *Reactor) Register(idx session.Index, conn net.Conn, h session.Handler) error {
	if err := r.poll.register(idx, conn); err != nil {
		return fmt.Errorf("reactor: registering connection: %w", err)
	}
	r.AddHandler(h)
	return nil
}

// SelectForRead implements session.Bridge.
func (r *Reactor) SelectForRead(h session.Handler) error {
	return r.poll.armRead(h.Index())
}

// SelectForWrite implements session.Bridge.
func (r *Reactor) SelectForWrite(h session.Handler) error {
	return r.poll.armWrite(h.Index())
}

// Execute implements session.Bridge by handing the task to the worker
// pool; if the pool's queue is full the task runs on a fresh goroutine
// rather than blocking the reactor goroutine.
func (r *Reactor) Execute(task func()) {
	select {
	case r.execPool <- task:
	default:
		go task()
	}
}

// Delink implements session.Bridge.
func (r *Reactor) Delink(h session.Handler) {
	r.mu.Lock()
	delete(r.handlers, h.Index())
	r.mu.Unlock()
}

// AddHandler implements session.Bridge.
func (r *Reactor) AddHandler(h session.Handler) {
	r.mu.Lock()
	r.handlers[h.Index()] = h
	r.mu.Unlock()
}

// Name implements session.Bridge.
func (r *Reactor) Name() string { return r.poll.name() }

// CloseConn unregisters idx from the poller. It does not close the
// underlying connection.
func (r *Reactor) CloseConn(idx session.Index) {
	r.poll.unregister(idx)
}

var _ session.Bridge = (*Reactor)(nil)
