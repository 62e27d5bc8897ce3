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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tlsreactor/tlsreactor/engine"
)

// TestHandshakeTimeoutFailsSession exercises Config.HandshakeTimeout:
// a handshake that never progresses must be torn down once the
// deadline elapses, rather than holding the session open forever.
func TestHandshakeTimeoutFailsSession(t *testing.T) {
	clientConn, _ := net.Pipe()
	app := newRecordingHandler()

	sess := New(Client, stallEngine{}, clientConn, newTestBridge(), app, 1, nil, Metrics{}, Config{
		HandshakeTimeout: 20 * time.Millisecond,
	})

	sess.OnConnect()

	waitSession(t, app.closing)
	require.False(t, sess.IsOpen())
}

// TestHandshakeTimeoutDoesNotFireAfterCompletion exercises the timer
// cancellation side: a handshake that finishes well within the
// deadline must not be torn down later by a stale timer.
func TestHandshakeTimeoutDoesNotFireAfterCompletion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientEng := engine.NewFakeEngine(engine.Client, false, testPacketSize)
	serverEng := engine.NewFakeEngine(engine.Server, false, testPacketSize)
	clientApp := newRecordingHandler()
	serverApp := newRecordingHandler()

	cfg := Config{HandshakeTimeout: 50 * time.Millisecond}
	client := New(Client, clientEng, clientConn, newTestBridge(), clientApp, 1, nil, Metrics{}, cfg)
	srv := New(Server, serverEng, serverConn, newTestBridge(), serverApp, 2, nil, Metrics{}, cfg)

	go srv.OnAccept()
	go client.OnConnect()

	waitSession(t, clientApp.connected)
	waitSession(t, serverApp.accepted)

	select {
	case <-clientApp.closing:
		t.Fatal("handshake timer fired after a completed handshake")
	case <-time.After(150 * time.Millisecond):
	}
	require.True(t, client.IsOpen())
}

// TestIdleTimeoutClosesSession exercises Config.IdleTimeout: a data-
// phase session with no read/write activity must close once the idle
// deadline elapses.
func TestIdleTimeoutClosesSession(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientEng := engine.NewFakeEngine(engine.Client, false, testPacketSize)
	serverEng := engine.NewFakeEngine(engine.Server, false, testPacketSize)
	clientApp := newRecordingHandler()
	serverApp := newRecordingHandler()

	client := New(Client, clientEng, clientConn, newTestBridge(), clientApp, 1, nil, Metrics{}, Config{
		IdleTimeout: 20 * time.Millisecond,
	})
	srv := New(Server, serverEng, serverConn, newTestBridge(), serverApp, 2, nil, Metrics{}, Config{})

	go srv.OnAccept()
	go client.OnConnect()

	waitSession(t, clientApp.connected)
	waitSession(t, serverApp.accepted)

	waitSession(t, clientApp.closing)
	require.False(t, client.IsOpen())
}
