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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCloseIsIdempotent(t *testing.T) {
	client, srv, clientApp, serverApp := newTestPair(t, false)

	go srv.OnAccept()
	go client.OnConnect()
	waitSession(t, serverApp.accepted)
	waitSession(t, clientApp.connected)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	require.False(t, srv.IsOpen())

	waitSession(t, serverApp.closing)
	select {
	case <-serverApp.closing:
		t.Fatal("Closing fired a second time for one Close() sequence")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestCloseDrainsPendingOutboundBeforeClosing exercises spec §8's S6
// scenario and testable property 6: Close() called while
// outbound_encrypted still holds bytes must not close the raw socket
// until a later write-readiness event drains it.
func TestCloseDrainsPendingOutboundBeforeClosing(t *testing.T) {
	client, srv, clientApp, serverApp := newTestPair(t, false)

	go srv.OnAccept()
	go client.OnConnect()
	waitSession(t, clientApp.connected)
	waitSession(t, serverApp.accepted)
	_ = serverApp

	gate := newGateConn(client.conn)
	client.conn = gate

	client.outboundEncrypted.Clear()
	n := client.outboundEncrypted.Put([]byte("pending-ciphertext-bytes"))
	require.Greater(t, n, 0)
	client.outboundEncrypted.Flip()

	require.NoError(t, client.Close())

	select {
	case <-gate.closed:
		t.Fatal("raw socket closed before pending outbound_encrypted bytes were flushed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)

	select {
	case <-gate.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the deferred close to drain outbound_encrypted and close the raw socket")
	}

	waitSession(t, clientApp.closing)
}

// TestPeerDisconnectClosesSession exercises the other side's reaction
// to the peer closing: the client's close_notify reaches the server's
// blocked read, the engine reports CLOSED, and the server tears its
// session down.
func TestPeerDisconnectClosesSession(t *testing.T) {
	client, srv, clientApp, serverApp := newTestPair(t, false)

	go srv.OnAccept()
	go client.OnConnect()
	waitSession(t, serverApp.accepted)
	waitSession(t, clientApp.connected)

	require.NoError(t, client.Close())

	waitSession(t, serverApp.closing)
	require.False(t, srv.IsOpen())
}
