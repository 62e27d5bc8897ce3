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

	"github.com/stretchr/testify/require"

	"github.com/tlsreactor/tlsreactor/engine"
)

// TestPeerDisconnectClosesEngineInbound exercises the data-phase peer
// close: when the peer closes its session, the close_notify it sends
// reaches this side's blocked read, and the engine's inbound must be
// closed, not just the session.
func TestPeerDisconnectClosesEngineInbound(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientEng := engine.NewFakeEngine(engine.Client, false, testPacketSize)
	serverEng := &closeInboundSpyEngine{FakeEngine: engine.NewFakeEngine(engine.Server, false, testPacketSize)}

	clientApp := newRecordingHandler()
	serverApp := newRecordingHandler()

	client := New(Client, clientEng, clientConn, newTestBridge(), clientApp, 1, nil, Metrics{}, Config{})
	srv := New(Server, serverEng, serverConn, newTestBridge(), serverApp, 2, nil, Metrics{}, Config{})

	go srv.OnAccept()
	go client.OnConnect()
	waitSession(t, clientApp.connected)
	waitSession(t, serverApp.accepted)

	require.NoError(t, client.Close())

	waitSession(t, serverApp.closing)
	require.False(t, srv.IsOpen())
	require.True(t, serverEng.called(), "CloseInbound was never invoked on the engine after the peer closed")
}

// TestPeerCloseNotifyMidHandshakeUnblocksSession exercises the
// non-blocking review note on driveUnwrapStep's engine.Closed arm: a
// peer close_notify received before the handshake finishes must tear
// the session down rather than leave it waiting on a read that may
// never come.
func TestPeerCloseNotifyMidHandshakeUnblocksSession(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	eng := &closedMidHandshakeEngine{}
	app := newRecordingHandler()

	sess := New(Server, eng, serverConn, newTestBridge(), app, 1, nil, Metrics{}, Config{})
	sess.OnAccept()

	go func() {
		_, _ = clientConn.Write([]byte("x"))
	}()

	waitSession(t, app.closing)
	require.False(t, sess.IsOpen())
	require.True(t, eng.called(), "CloseInbound was never invoked for a mid-handshake CLOSED status")
}
