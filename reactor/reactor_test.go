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

package reactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/session"
)

// stubHandler is a session.Handler double that records each readiness
// dispatch without touching any real socket.
type stubHandler struct {
	idx session.Index

	mu      sync.Mutex
	reads   int
	writes  int
	readCh  chan struct{}
	writeCh chan struct{}
}

func newStubHandler(idx session.Index) *stubHandler {
	return &stubHandler{idx: idx, readCh: make(chan struct{}, 8), writeCh: make(chan struct{}, 8)}
}

func (h *stubHandler) Index() session.Index { return h.idx }

func (h *stubHandler) OnReadReady() {
	h.mu.Lock()
	h.reads++
	h.mu.Unlock()
	h.readCh <- struct{}{}
}

func (h *stubHandler) OnWriteReady() {
	h.mu.Lock()
	h.writes++
	h.mu.Unlock()
	h.writeCh <- struct{}{}
}

func waitSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reactor dispatch")
	}
}

// loopbackPair returns two ends of a real TCP connection. The epoll
// backend needs an actual file descriptor behind the conn (net.Pipe's
// in-memory conn has none), so reactor tests use loopback sockets
// rather than net.Pipe.
func loopbackPair(t *testing.T) (client, accepted net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case accepted = <-acceptedCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out accepting loopback connection")
	}
	return client, accepted
}

func TestReactorDispatchesReadAndWriteReadiness(t *testing.T) {
	r := New(zap.NewNop(), 1)
	defer r.Stop()
	go r.Run()

	a, b := loopbackPair(t)
	defer a.Close()
	defer b.Close()

	h := newStubHandler(1)
	require.NoError(t, r.Register(1, a, h))

	require.NoError(t, r.SelectForRead(h))
	go func() { _, _ = b.Write([]byte("x")) }()
	waitSignal(t, h.readCh)

	require.NoError(t, r.SelectForWrite(h))
	waitSignal(t, h.writeCh)
}

func TestReactorDelinkRemovesHandler(t *testing.T) {
	r := New(zap.NewNop(), 1)
	defer r.Stop()
	go r.Run()

	a, b := loopbackPair(t)
	defer a.Close()
	defer b.Close()

	h := newStubHandler(2)
	require.NoError(t, r.Register(2, a, h))
	r.Delink(h)

	require.NoError(t, r.SelectForRead(h))
	go func() { _, _ = b.Write([]byte("y")) }()

	select {
	case <-h.readCh:
		t.Fatal("delinked handler should not receive dispatch")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReactorExecuteRunsTaskOffLoop(t *testing.T) {
	r := New(zap.NewNop(), 2)
	defer r.Stop()

	done := make(chan struct{})
	r.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not run the task")
	}
}

func TestReactorNameReportsBackend(t *testing.T) {
	r := New(zap.NewNop(), 1)
	defer r.Stop()
	require.NotEmpty(t, r.Name())
}
