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

package main

import (
	"go.uber.org/zap"

	"github.com/tlsreactor/tlsreactor/session"
)

// echoHandler is the demo session.EventHandler: the server side echoes
// back whatever plaintext it receives, and the client side sends one
// message and waits for its echo before closing.
type echoHandler struct {
	log *zap.Logger

	outbound string
	done     chan struct{}
}

func (h *echoHandler) OnAccept(s *session.Session) {
	h.log.Info("accepted", zap.Any("index", s.Index()))
}

func (h *echoHandler) OnConnect(s *session.Session) {
	h.log.Info("connected", zap.Any("index", s.Index()))
	if h.outbound == "" {
		return
	}
	if _, err := s.Write([]byte(h.outbound)); err != nil {
		h.log.Warn("writing initial message", zap.Error(err))
	}
}

func (h *echoHandler) OnRead(s *session.Session) {
	buf := make([]byte, 64*1024)
	n, err := s.Read(buf)
	if err != nil {
		h.log.Warn("read", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	data := append([]byte(nil), buf[:n]...)
	h.log.Info("received plaintext", zap.Int("bytes", n))

	if s.Role() == session.Server {
		if _, err := s.Write(data); err != nil {
			h.log.Warn("echoing reply", zap.Error(err))
		}
		return
	}

	if h.done != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
}

func (h *echoHandler) OnWrite(s *session.Session) {
	h.log.Debug("write-ready", zap.Any("index", s.Index()))
}

func (h *echoHandler) Closing(s *session.Session) {
	h.log.Info("closing", zap.Any("index", s.Index()))
}
